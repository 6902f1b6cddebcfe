package pipeline

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// ErrLocked is returned when another engine run holds a request's lock.
var ErrLocked = errors.New("pipeline is locked by another run")

// Lock is an exclusive advisory lock on one request directory.
type Lock struct {
	path string
	file *os.File
}

// Lock takes the per-request lock without blocking. Only one engine run may
// execute a given request at a time.
func (s *Store) Lock(id string) (*Lock, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.RequestDir(id), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir request dir: %w", err)
	}
	path := s.Path(id, fileLock)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, id)
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if err := f.Truncate(0); err == nil {
		fmt.Fprintf(f, "%d\n", os.Getpid())
	}
	return &Lock{path: path, file: f}, nil
}

// Unlock releases the lock. It is safe to call more than once.
func (l *Lock) Unlock() error {
	if l == nil || l.file == nil {
		return nil
	}
	defer func() { l.file = nil }()
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		l.file.Close()
		return fmt.Errorf("release lock: %w", err)
	}
	return l.file.Close()
}
