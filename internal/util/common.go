package util

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConnectTimeout bounds dial attempts to newly discovered peers.
const DefaultConnectTimeout = 10 * time.Second

// ShortID truncates a peer or message id for log output.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// NowMillis returns the current time as Unix milliseconds.
func NowMillis() int64 { return time.Now().UnixMilli() }

// WriteJSONFile writes v as indented JSON via a temp file and rename, so
// a crash mid-write never leaves a truncated file behind.
func WriteJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
