package authclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tyemirov/dashauth/pkg/identity"
)

// ErrEmptyStoragePath indicates FileStorage was constructed without a path.
var ErrEmptyStoragePath = errors.New("authclient.storage.empty_path")

// SessionStorage persists the current session between calls. Load returns
// nil, nil when nothing is stored.
type SessionStorage interface {
	Load() (*identity.Session, error)
	Save(session *identity.Session) error
	Clear() error
}

// MemoryStorage keeps the session in process memory.
type MemoryStorage struct {
	mutex   sync.Mutex
	session *identity.Session
}

// NewMemoryStorage constructs an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (storage *MemoryStorage) Load() (*identity.Session, error) {
	storage.mutex.Lock()
	defer storage.mutex.Unlock()
	return storage.session.Clone(), nil
}

func (storage *MemoryStorage) Save(session *identity.Session) error {
	storage.mutex.Lock()
	defer storage.mutex.Unlock()
	storage.session = session.Clone()
	return nil
}

func (storage *MemoryStorage) Clear() error {
	storage.mutex.Lock()
	defer storage.mutex.Unlock()
	storage.session = nil
	return nil
}

// FileStorage keeps the session in a JSON file readable only by its owner.
// Several processes may share one file; WatchStorage observes their writes.
type FileStorage struct {
	path string
}

// NewFileStorage constructs a FileStorage at path. The parent directory is
// created on first save.
func NewFileStorage(path string) (*FileStorage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrEmptyStoragePath
	}
	return &FileStorage{path: filepath.Clean(path)}, nil
}

// Path returns the session file location.
func (storage *FileStorage) Path() string {
	return storage.path
}

func (storage *FileStorage) Load() (*identity.Session, error) {
	contents, err := os.ReadFile(storage.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("authclient.storage.load: %w", err)
	}
	if len(strings.TrimSpace(string(contents))) == 0 {
		return nil, nil
	}
	var session identity.Session
	if decodeErr := json.Unmarshal(contents, &session); decodeErr != nil {
		return nil, fmt.Errorf("authclient.storage.decode: %w", decodeErr)
	}
	if session.AccessToken == "" {
		return nil, nil
	}
	return &session, nil
}

// Save replaces the file atomically so readers never observe a partial write.
func (storage *FileStorage) Save(session *identity.Session) error {
	if session == nil {
		return storage.Clear()
	}
	contents, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("authclient.storage.encode: %w", err)
	}
	directory := filepath.Dir(storage.path)
	if mkdirErr := os.MkdirAll(directory, 0o700); mkdirErr != nil {
		return fmt.Errorf("authclient.storage.mkdir: %w", mkdirErr)
	}
	temporary, err := os.CreateTemp(directory, "."+filepath.Base(storage.path)+".*")
	if err != nil {
		return fmt.Errorf("authclient.storage.create: %w", err)
	}
	temporaryPath := temporary.Name()
	defer os.Remove(temporaryPath)

	if _, writeErr := temporary.Write(contents); writeErr != nil {
		_ = temporary.Close()
		return fmt.Errorf("authclient.storage.write: %w", writeErr)
	}
	if chmodErr := temporary.Chmod(0o600); chmodErr != nil {
		_ = temporary.Close()
		return fmt.Errorf("authclient.storage.chmod: %w", chmodErr)
	}
	if closeErr := temporary.Close(); closeErr != nil {
		return fmt.Errorf("authclient.storage.close: %w", closeErr)
	}
	if renameErr := os.Rename(temporaryPath, storage.path); renameErr != nil {
		return fmt.Errorf("authclient.storage.rename: %w", renameErr)
	}
	return nil
}

func (storage *FileStorage) Clear() error {
	if err := os.Remove(storage.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("authclient.storage.clear: %w", err)
	}
	return nil
}
