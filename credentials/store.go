package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"keepersecurity.com/gws-admin/errdefs"
)

// ErrNoToken is returned by Store.Load when nothing has been saved yet.
var ErrNoToken = errors.New("no stored token")

// Store loads and saves opaque token material.
type Store interface {
	Load() ([]byte, error)
	Save(data []byte) error
}

// FileStore keeps token material in a single file readable only by its owner.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (fs *FileStore) Path() string {
	return fs.path
}

func (fs *FileStore) Load() (data []byte, err error) {
	var fi os.FileInfo
	if fi, err = os.Stat(fs.path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = ErrNoToken
		}
		return
	}
	if fi.Mode().Perm()&0o077 != 0 {
		err = errdefs.CredentialsMalformed(
			fmt.Sprintf("insecure permissions %04o on %s, expected 0600", fi.Mode().Perm(), fs.path), nil)
		return
	}
	return os.ReadFile(fs.path)
}

// Save replaces the file atomically: the data goes to a temporary file in the
// same directory, is synced, then renamed over the target.
func (fs *FileStore) Save(data []byte) (err error) {
	var dir = filepath.Dir(fs.path)
	if err = os.MkdirAll(dir, 0o700); err != nil {
		return
	}
	var tmp *os.File
	if tmp, err = os.CreateTemp(dir, ".token-*"); err != nil {
		return
	}
	var tmpName = tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()
	if err = tmp.Chmod(0o600); err != nil {
		return
	}
	if _, err = tmp.Write(data); err != nil {
		return
	}
	if err = tmp.Sync(); err != nil {
		return
	}
	if err = tmp.Close(); err != nil {
		return
	}
	return os.Rename(tmpName, fs.path)
}

// MemoryStore is a Store kept in process memory. It counts saves.
type MemoryStore struct {
	mu    sync.Mutex
	data  []byte
	saves int
}

func NewMemoryStore(initial []byte) *MemoryStore {
	return &MemoryStore{data: initial}
}

func (ms *MemoryStore) Load() ([]byte, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.data == nil {
		return nil, ErrNoToken
	}
	return append([]byte(nil), ms.data...), nil
}

func (ms *MemoryStore) Save(data []byte) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.data = append([]byte(nil), data...)
	ms.saves++
	return nil
}

func (ms *MemoryStore) Saves() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.saves
}
