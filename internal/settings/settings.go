// Package settings remembers the last used form values between runs.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/splax/canary/pkg/crypto"
)

// ErrNoKey is returned by Load when a stored password cannot be decrypted because no key is configured.
var ErrNoKey = errors.New("settings key not configured")

// Settings is the persisted record. It is always saved wholesale.
type Settings struct {
	LastLocalPath     string `json:"last_local_path"`
	LastServerAddress string `json:"last_server_address"`
	LastRemoteUser    string `json:"last_remote_user"`
	LastRemotePass    string `json:"last_remote_pass"`
	LastRemotePath    string `json:"last_remote_path"`
	LastTarget        string `json:"last_target"`
}

// Store loads and saves settings.
type Store interface {
	Load() (Settings, error)
	Save(Settings) error
}

// DefaultPath returns <UserConfigDir>/canary/settings.json.
func DefaultPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(base, "canary", "settings.json"), nil
}

// FileStore keeps settings in a JSON file. The remote password is written only as
// AES-GCM ciphertext and only when a key is configured.
type FileStore struct {
	path string
	key  string
}

// NewFileStore returns a store backed by path, or DefaultPath when path is empty.
func NewFileStore(path, key string) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	return &FileStore{path: path, key: key}, nil
}

// Path returns the file backing this store.
func (f *FileStore) Path() string {
	return f.path
}

// Load reads the file. A missing file yields zero settings.
func (f *FileStore) Load() (Settings, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Settings{}, nil
		}
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("parse settings: %w", err)
	}
	sealed := s.LastRemotePass
	s.LastRemotePass = ""
	if sealed == "" {
		return s, nil
	}
	if f.key == "" {
		return s, ErrNoKey
	}
	plain, err := crypto.DecryptFromBase64(f.key, sealed)
	if err != nil {
		return s, fmt.Errorf("decrypt remote password: %w", err)
	}
	s.LastRemotePass = plain
	return s, nil
}

// Save writes the whole record, creating the parent directory when needed.
func (f *FileStore) Save(s Settings) error {
	if s.LastRemotePass != "" {
		if f.key == "" {
			s.LastRemotePass = ""
		} else {
			sealed, err := crypto.EncryptToBase64(f.key, s.LastRemotePass)
			if err != nil {
				return fmt.Errorf("encrypt remote password: %w", err)
			}
			s.LastRemotePass = sealed
		}
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := os.WriteFile(f.path, data, 0o600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

// Clear removes the settings file.
func (f *FileStore) Clear() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove settings: %w", err)
	}
	return nil
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	current Settings
	saves   int
	// SaveErr, when set, is returned by Save after the record is kept.
	SaveErr error
}

// NewMemoryStore returns a store seeded with initial.
func NewMemoryStore(initial Settings) *MemoryStore {
	return &MemoryStore{current: initial}
}

// Load returns the current record.
func (m *MemoryStore) Load() (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, nil
}

// Save replaces the current record.
func (m *MemoryStore) Save(s Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = s
	m.saves++
	return m.SaveErr
}

// Saves returns how many times Save was called.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
