package session

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/dliu42/algorithmic-trading-bot/internal/models"
)

// StateFile persists the session state as JSON so other commands can
// report on a running session.
type StateFile struct {
	Path string
}

// Write replaces the state file contents atomically
func (f StateFile) Write(state models.SessionState) error {
	if f.Path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.Path), ".session-*.json")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(state); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), f.Path)
}

// Read loads the persisted state. A missing file yields os.ErrNotExist.
func (f StateFile) Read() (models.SessionState, error) {
	var state models.SessionState
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return state, os.ErrNotExist
		}
		return state, err
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, err
	}
	return state, nil
}

// Remove deletes the persisted state
func (f StateFile) Remove() error {
	if err := os.Remove(f.Path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}
