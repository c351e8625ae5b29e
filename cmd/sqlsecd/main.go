// Command sqlsecd is the operator-facing CLI for the encrypted page
// store: it wires the configured KMS provider, keyring, and VFS
// registration together and exposes backup/restore/verify/rotate
// subcommands.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/sqlsec/sqlsec/internal/config"
	"github.com/sqlsec/sqlsec/internal/logging"
	"github.com/sqlsec/sqlsec/pkg/backup"
	"github.com/sqlsec/sqlsec/pkg/evfs"
	"github.com/sqlsec/sqlsec/pkg/keyring"
	"github.com/sqlsec/sqlsec/pkg/kmsprovider"
)

func main() {
	logger := logging.New(slog.LevelInfo)
	slog.SetDefault(logger)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "backup":
		runBackup(os.Args[2:])
	case "restore":
		runRestore(os.Args[2:])
	case "verify":
		runVerify(os.Args[2:])
	case "rotate":
		runRotate(os.Args[2:])
	case "rotate-backup":
		runRotateBackup(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: sqlsecd <init|backup|restore|verify|rotate|rotate-backup> [flags]")
}

func runInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML bootstrap config")
	dbPath := fs.String("db", "", "path of the encrypted database file to create")
	pageSize := fs.Int("page-size", 4096, "page size in bytes")
	reserve := fs.Int("reserve", 32, "per-page reserve size in bytes (must hold at least the 16-byte auth tag)")
	fs.Parse(args)

	_, provider, _ := mustBootstrap(*configPath)

	v := &evfs.VFS{
		Name:        "sqlsec",
		Provider:    provider,
		PageSize:    *pageSize,
		ReserveSize: *reserve,
		Logger:      slog.Default(),
	}
	if err := v.RegisterVFS(); err != nil {
		slog.Error("registering VFS", "error", err)
		os.Exit(1)
	}
	f, err := evfs.Open("sqlsec", *dbPath)
	if err != nil {
		slog.Error("creating database", "error", err)
		os.Exit(1)
	}
	if err := f.Close(); err != nil {
		slog.Error("closing database", "error", err)
		os.Exit(1)
	}
	slog.Info("database initialized", "path", *dbPath, "page_size", *pageSize, "reserve", *reserve)
}

func runVerify(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML bootstrap config")
	path := fs.String("backup", "", "path to the backup file")
	fs.Parse(args)

	_, provider, _ := mustBootstrap(*configPath)

	result, err := backup.VerifyBackup(context.Background(), *path, provider)
	if err != nil {
		slog.Error("verify failed", "error", err)
		os.Exit(1)
	}
	slog.Info("verify complete", "pages", result.PageCount, "ok", result.PagesOK, "bad", result.PagesBad)
	if result.PagesBad > 0 {
		os.Exit(1)
	}
}

func runRotateBackup(args []string) {
	fs := flag.NewFlagSet("rotate-backup", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML bootstrap config (the current KEK)")
	path := fs.String("backup", "", "path to the backup file")
	newKeyID := fs.String("new-kms-key-id", "", "key id for the new KEK provider")
	fs.Parse(args)

	_, oldProvider, _ := mustBootstrap(*configPath)
	newProvider := kmsprovider.NewCloudProvider(*newKeyID, os.Getenv("KMS_ENDPOINT"))

	if err := backup.RotateBackupKEK(context.Background(), *path, oldProvider, newProvider); err != nil {
		slog.Error("backup KEK rotation failed", "error", err)
		os.Exit(1)
	}
	slog.Info("backup KEK rotated", "backup", *path, "new_kek_id", *newKeyID)
}

func runBackup(args []string) {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML bootstrap config")
	source := fs.String("source", "", "path to the source database file")
	dest := fs.String("dest", "", "path to write the backup file")
	pageSize := fs.Int("page-size", 4096, "page size in bytes")
	reserve := fs.Int("reserve", 32, "per-page reserve size in bytes (must hold at least the 16-byte auth tag)")
	ledgerPath := fs.String("ledger", "", "optional path to a JSON-lines ledger recording backups taken")
	fs.Parse(args)

	cfg, provider, sourceKeyring := mustBootstrap(*configPath)
	backupProvider := provider // backups may use the same or a distinct provider

	ctx := context.Background()
	if err := backup.CreateBackup(ctx, *source, *dest, sourceKeyring, backupProvider, *pageSize, *reserve); err != nil {
		slog.Error("backup failed", "error", err)
		os.Exit(1)
	}
	if *ledgerPath != "" {
		rec, err := backup.NewLedger(*ledgerPath).Append(backup.Record{SourcePath: *source, DestPath: *dest})
		if err != nil {
			slog.Warn("recording backup in ledger failed", "error", err)
		} else {
			slog.Info("backup recorded", "backup_id", rec.BackupID)
		}
	}
	slog.Info("backup created", "source", *source, "dest", *dest, "kms_provider", cfg.KMS.Provider)
}

func runRestore(args []string) {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML bootstrap config")
	source := fs.String("source", "", "path to the backup file")
	target := fs.String("target", "", "path to write the restored database file")
	fs.Parse(args)

	_, provider, targetKeyring := mustBootstrap(*configPath)

	ctx := context.Background()
	if err := backup.RestoreBackup(ctx, *source, *target, provider, targetKeyring); err != nil {
		slog.Error("restore failed", "error", err)
		os.Exit(1)
	}
	slog.Info("restore complete", "source", *source, "target", *target)
}

func runRotate(args []string) {
	fs := flag.NewFlagSet("rotate", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML bootstrap config")
	newKeyID := fs.String("new-kms-key-id", "", "key id for the new KEK provider")
	fs.Parse(args)

	_, provider, kr := mustBootstrap(*configPath)

	newProvider := kmsprovider.NewCloudProvider(*newKeyID, os.Getenv("KMS_ENDPOINT"))
	ctx := context.Background()
	if err := kr.RewrapAll(ctx, newProvider); err != nil {
		slog.Error("rotation failed", "error", err)
		os.Exit(1)
	}
	_ = provider
	slog.Info("rotation complete", "new_kek_id", *newKeyID)
}

func mustBootstrap(configPath string) (*config.Config, kmsprovider.Provider, *keyring.Keyring) {
	if err := config.ValidatePath(configPath); err != nil && configPath != "" {
		slog.Error("invalid config path", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	provider := providerFromConfig(cfg)

	sidecar, err := sidecarFromConfig(cfg)
	if err != nil {
		slog.Error("opening keyring sidecar", "error", err)
		os.Exit(1)
	}

	kr, err := keyring.New(provider, sidecar, slog.Default())
	if err != nil {
		slog.Error("opening keyring", "error", err)
		os.Exit(1)
	}

	return cfg, provider, kr
}

func providerFromConfig(cfg *config.Config) kmsprovider.Provider {
	switch cfg.KMS.Provider {
	case "passphrase":
		return kmsprovider.NewPassphraseProvider("local-kek", cfg.KMS.Passphrase)
	case "cloud":
		return kmsprovider.NewCloudProvider(cfg.KMS.KeyID, cfg.KMS.CloudEndpoint)
	default:
		return kmsprovider.NewKeyfileProvider("local-kek", cfg.KMS.KeyFile)
	}
}

func sidecarFromConfig(cfg *config.Config) (keyring.SidecarStore, error) {
	if cfg.Keyring.Backend == "pebble" {
		return keyring.OpenPebbleSidecar(cfg.Keyring.Path)
	}
	path := cfg.Keyring.Path
	if path == "" {
		path = "sqlsec.evfs-keyring"
	}
	return &keyring.FlatFileSidecar{Path: path}, nil
}
