package backup

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// Record is one entry in a backup Ledger: enough for operator tooling
// to list past backups and their retention without opening each
// backup file's header. The ledger is operator tooling only: nothing
// in the backup wire format references it.
type Record struct {
	BackupID   string    `json:"backup_id"`
	SourcePath string    `json:"source_path"`
	DestPath   string    `json:"dest_path"`
	PageCount  int64     `json:"page_count"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Ledger is an append-only JSON-lines log of backup records.
type Ledger struct {
	path string
}

// NewLedger returns a ledger backed by a JSON-lines file at path.
func NewLedger(path string) *Ledger {
	return &Ledger{path: path}
}

// Append records a new backup, assigning it a fresh BackupID.
func (l *Ledger) Append(rec Record) (Record, error) {
	rec.BackupID = uuid.NewString()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return Record{}, fmt.Errorf("backup: opening ledger: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("backup: encoding ledger record: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return Record{}, fmt.Errorf("backup: appending ledger record: %w", err)
	}
	return rec, nil
}

// List reads every recorded backup from the ledger, in append order.
func (l *Ledger) List() ([]Record, error) {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("backup: reading ledger: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("backup: parsing ledger record: %w", err)
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}
