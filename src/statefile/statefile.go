package statefile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logger "github.com/sirupsen/logrus"

	"tradelink/src/model"
)

// SchemaVersion tags every blob so future readers can migrate or reject old
// layouts.
const SchemaVersion = 2

// ScopeState holds the ephemeral session timers and trade-lifetime extremes
// for one scope. It is the part of state too transient for the SQL ledger
// but still required to survive a crash.
type ScopeState struct {
	SchemaVersion int    `json:"schema_version"`
	UpdatedAt     string `json:"updated_at"` // UTC ISO-8601

	EntryTime        *time.Time `json:"entry_time,omitempty"`
	StopWarningStart *time.Time `json:"stop_warning_start,omitempty"`
	MinPrice         float64    `json:"min_price"`
	MaxPrice         float64    `json:"max_price"`
	LastSeenFill     *time.Time `json:"last_seen_fill,omitempty"`
}

// LastScope is the persisted last-known (mode, account) used for the
// provisional boot scope.
type LastScope struct {
	SchemaVersion int         `json:"schema_version"`
	UpdatedAt     string      `json:"updated_at"`
	Scope         model.Scope `json:"scope"`
}

// Store reads and writes per-scope state blobs under one directory. Every
// write goes through a temp file and an atomic rename so a crash mid-write
// never corrupts durable state.
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) scopePath(scope model.Scope) string {
	account := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, scope.Account)
	return filepath.Join(s.dir, fmt.Sprintf("scope_%s_%s.json", scope.Mode, account))
}

func (s *Store) lastScopePath() string {
	return filepath.Join(s.dir, "last_scope.json")
}

// SaveScopeState writes the scope's blob atomically.
func (s *Store) SaveScopeState(scope model.Scope, state ScopeState) error {
	state.SchemaVersion = SchemaVersion
	state.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	if err := s.writeAtomic(s.scopePath(scope), state); err != nil {
		logger.WithFields(map[string]interface{}{
			"component": "statefile",
			"scope":     scope.String(),
		}).WithError(err).Error("Failed to persist scope state")
		return err
	}
	return nil
}

// LoadScopeState reads the scope's blob. Returns (nil, nil) when no blob
// exists yet.
func (s *Store) LoadScopeState(scope model.Scope) (*ScopeState, error) {
	data, err := os.ReadFile(s.scopePath(scope))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read scope state: %w", err)
	}

	var state ScopeState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse scope state: %w", err)
	}

	if state.SchemaVersion != SchemaVersion {
		logger.WithFields(map[string]interface{}{
			"component": "statefile",
			"scope":     scope.String(),
			"version":   state.SchemaVersion,
		}).Warn("Discarding scope state with unsupported schema version")
		return nil, nil
	}

	return &state, nil
}

// SaveLastScope persists the resolved scope for the next provisional boot.
func (s *Store) SaveLastScope(scope model.Scope) error {
	blob := LastScope{
		SchemaVersion: SchemaVersion,
		UpdatedAt:     time.Now().UTC().Format(time.RFC3339),
		Scope:         scope,
	}
	return s.writeAtomic(s.lastScopePath(), blob)
}

// LoadLastScope returns the persisted scope and when it was written.
// Returns (nil, zero, nil) when absent or unreadable; a missing provisional
// scope is not an error, the resolver just waits for a fresh signal.
func (s *Store) LoadLastScope() (*model.Scope, time.Time, error) {
	data, err := os.ReadFile(s.lastScopePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, time.Time{}, nil
		}
		return nil, time.Time{}, fmt.Errorf("read last scope: %w", err)
	}

	var blob LastScope
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, time.Time{}, fmt.Errorf("parse last scope: %w", err)
	}
	if blob.SchemaVersion != SchemaVersion {
		return nil, time.Time{}, nil
	}

	savedAt, err := time.Parse(time.RFC3339, blob.UpdatedAt)
	if err != nil {
		return nil, time.Time{}, nil
	}

	return &blob.Scope, savedAt, nil
}

func (s *Store) writeAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}
