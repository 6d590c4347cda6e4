package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/warrenctld/internal/wire"
)

// WriteStateFile atomically replaces StateSaveLocation/name with records,
// following the three-generation convention: write a ".new" file, fsync,
// rename the current file to ".old", then rename ".new" into place. The
// file begins with pack32(timestamp) followed by length-prefixed records.
func WriteStateFile(stateSaveLocation, name string, timestamp uint32, records [][]byte) error {
	base := filepath.Join(stateSaveLocation, name)
	newPath := base + ".new"
	oldPath := base + ".old"

	buf := wire.NewBuffer()
	buf.PackU32(timestamp)
	for _, rec := range records {
		buf.PackU32(uint32(len(rec)))
		buf.PackBytes(rec)
	}

	f, err := os.OpenFile(newPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("store: create %s: %w", newPath, err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("store: write %s: %w", newPath, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("store: fsync %s: %w", newPath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("store: close %s: %w", newPath, err)
	}

	if _, err := os.Stat(base); err == nil {
		if err := os.Rename(base, oldPath); err != nil {
			return fmt.Errorf("store: rename %s to %s: %w", base, oldPath, err)
		}
	}
	if err := os.Rename(newPath, base); err != nil {
		return fmt.Errorf("store: rename %s to %s: %w", newPath, base, err)
	}
	return nil
}

// ReadStateFile parses a file written by WriteStateFile, returning the
// header timestamp and the list of record bodies.
func ReadStateFile(path string) (timestamp uint32, records [][]byte, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, fmt.Errorf("store: read %s: %w", path, err)
	}
	r := wire.NewReader(data)
	timestamp, err = r.UnpackU32()
	if err != nil {
		return 0, nil, fmt.Errorf("store: parse %s header: %w", path, err)
	}
	for r.Remaining() > 0 {
		n, err := r.UnpackU32()
		if err != nil {
			return 0, nil, fmt.Errorf("store: parse %s record length: %w", path, err)
		}
		rec, err := r.UnpackBytes(int(n))
		if err != nil {
			return 0, nil, fmt.Errorf("store: parse %s record body: %w", path, err)
		}
		cp := make([]byte, len(rec))
		copy(cp, rec)
		records = append(records, cp)
	}
	return timestamp, records, nil
}
