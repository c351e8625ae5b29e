package evfs

import (
	"fmt"
	"os"
)

// OSMethods implements IOMethods directly against an *os.File, the
// default inner file for a process running against the local
// filesystem.
type OSMethods struct {
	f *os.File
}

// OpenOSMethods opens path with the given flags/permissions and wraps
// it as IOMethods.
func OpenOSMethods(path string, flag int, perm os.FileMode) (*OSMethods, error) {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}
	return &OSMethods{f: f}, nil
}

func (m *OSMethods) ReadAt(p []byte, off int64) (int, error)  { return m.f.ReadAt(p, off) }
func (m *OSMethods) WriteAt(p []byte, off int64) (int, error) { return m.f.WriteAt(p, off) }
func (m *OSMethods) Truncate(size int64) error                { return m.f.Truncate(size) }
func (m *OSMethods) Sync() error                              { return m.f.Sync() }
func (m *OSMethods) Close() error                              { return m.f.Close() }

func (m *OSMethods) FileSize() (int64, error) {
	info, err := m.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Lock/Unlock/CheckReservedLock are no-ops at this layer:
// single-process file locking is the host engine's concern.
func (m *OSMethods) Lock(level int) error             { return nil }
func (m *OSMethods) Unlock(level int) error            { return nil }
func (m *OSMethods) CheckReservedLock() (bool, error) { return false, nil }

func (m *OSMethods) SectorSize() int             { return 4096 }
func (m *OSMethods) DeviceCharacteristics() int { return 0 }

// FileControl has nothing underneath it to forward to at this layer;
// an *os.File has no file-control vtable of its own, so every opcode
// is unsupported here. EvfsFile answers "reserve-bytes" itself and
// only reaches this for opcodes neither layer understands.
func (m *OSMethods) FileControl(op string, arg []byte) ([]byte, error) {
	return nil, fmt.Errorf("evfs: file control %q not supported", op)
}
