// Package runrecord persists the on-disk descriptor that lets the status,
// health, and stop CLIs locate a running node instance.
package runrecord

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// SchemaVersion is written into every record and checked on load.
const SchemaVersion = "1.0"

// ErrNotFound is returned by Load when no record exists for the key.
var ErrNotFound = errors.New("runtime record not found")

// Record identifies a running node instance.
type Record struct {
	SchemaVersion string    `json:"schemaVersion"`
	InstanceID    string    `json:"instanceId"`
	PID           int       `json:"pid"`
	Mode          string    `json:"mode"`
	Port          int       `json:"port"`
	BaseURL       string    `json:"baseUrl"`
	PublicURL     string    `json:"publicUrl,omitempty"`
	EnvPath       string    `json:"envPath,omitempty"`
	ConfigPath    string    `json:"configPath"`
	StartTime     time.Time `json:"startTime"`
}

// Store reads and writes records under <root>/.xpod/runtime.
type Store struct {
	dir string
}

// NewStore creates a store rooted at projectRoot.
func NewStore(projectRoot string) *Store {
	return &Store{dir: filepath.Join(projectRoot, ".xpod", "runtime")}
}

// Key derives the record key from the env-file path: sha256 of the absolute
// path truncated to 12 hex chars, or "default" when no env file is in play.
func Key(envPath string) string {
	if envPath == "" {
		return "default"
	}
	abs, err := filepath.Abs(envPath)
	if err != nil {
		abs = envPath
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:])[:12]
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// Save writes the record atomically (write temp, rename).
func (s *Store) Save(key string, rec *Record) error {
	rec.SchemaVersion = SchemaVersion
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create runtime dir: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	data = append(data, '\n')

	tmp := s.path(key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if err := os.Rename(tmp, s.path(key)); err != nil {
		return fmt.Errorf("rename record: %w", err)
	}
	return nil
}

// Load reads the record for key. Returns ErrNotFound when absent.
func (s *Store) Load(key string) (*Record, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse record: %w", err)
	}
	if rec.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("unsupported record schema %q", rec.SchemaVersion)
	}
	return &rec, nil
}

// Remove deletes the record for key. Missing records are not an error.
func (s *Store) Remove(key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove record: %w", err)
	}
	return nil
}

// Alive reports whether the recorded pid still refers to a live process.
// A stale or missing pid means the node is not running and the record can
// be overwritten.
func (r *Record) Alive() bool {
	if r.PID <= 0 {
		return false
	}
	p, err := process.NewProcess(int32(r.PID))
	if err != nil {
		return false
	}
	running, err := p.IsRunning()
	return err == nil && running
}
