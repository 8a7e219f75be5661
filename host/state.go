package host

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/natefinch/atomic"
)

// registration is the persisted state of the active worker.
type registration struct {
	Version     string    `json:"version"`
	Cache       string    `json:"cache"`
	ActivatedAt time.Time `json:"activatedAt"`
}

// loadRegistration reads the registration from file.
// A missing file is not an error.
func loadRegistration(filename string) (registration, bool, error) {
	var reg registration
	if filename == "" {
		return reg, false, nil
	}
	b, err := os.ReadFile(filename)
	if errors.Is(err, fs.ErrNotExist) {
		return reg, false, nil
	} else if err != nil {
		return reg, false, fmt.Errorf("read state: %w", err)
	}
	if err := json.Unmarshal(b, &reg); err != nil {
		return reg, false, fmt.Errorf("parse state %s: %w", filename, err)
	}
	return reg, true, nil
}

// saveRegistration replaces the state file, so a crash never leaves it half written.
func saveRegistration(filename string, reg registration) error {
	if filename == "" {
		return nil
	}
	b, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(filename, bytes.NewReader(b)); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}
