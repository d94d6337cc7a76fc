package utils

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SaveJSON writes v to path atomically: encode into a sibling ".tmp" file,
// fsync, then rename over the live path. This is the same temp+fsync+rename
// sequence internal/config.Save uses for the settings file, generalized so
// every JSON-backed persistence owner (tasks.json, memory.json,
// scheduler.json, night_backlog.json) can share it instead of reimplementing
// the dance.
func SaveJSON(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create persistence dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		tmp.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename into place %s: %w", path, err)
	}
	return nil
}

// LoadJSON reads and unmarshals path into v. A missing file is reported via
// os.IsNotExist on the returned error so callers can distinguish "never
// written yet" from "corrupt" and initialize fresh state without
// quarantining anything.
func LoadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// QuarantineCorrupt renames an unparseable persistence file out of the way
// as "<path>.corrupt.<unix-ts>" so a fresh empty store can be initialized
// without silently discarding evidence of the corruption (spec: "a corrupt
// file is quarantined... never a silent data loss without evidence").
func QuarantineCorrupt(path string) (string, error) {
	quarantined := fmt.Sprintf("%s.corrupt.%d", path, time.Now().Unix())
	if err := os.Rename(path, quarantined); err != nil {
		return "", fmt.Errorf("quarantine %s: %w", path, err)
	}
	return quarantined, nil
}
