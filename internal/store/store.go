// Package store handles the federation core's durable files: append-only
// JSONL logs with size-based rotation, and opaque blob round-trips for the
// replicated document snapshot.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	// MaxRotations bounds how many rotated generations of a JSONL log are kept.
	MaxRotations = 3
	// rotateAt is the size threshold that triggers a rotation on append.
	rotateAt = 4 << 20

	maxScanLine = 1 << 20
)

// AppendJSONL appends one JSON record plus newline to path, rotating the file
// when it grows past the threshold. The write is fsynced before returning.
func AppendJSONL(path string, rec any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	if fi, err := os.Stat(path); err == nil && fi.Size() >= rotateAt {
		rotate(path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(rec); err != nil {
		return err
	}
	return f.Sync()
}

func rotate(path string) {
	_ = os.Remove(fmt.Sprintf("%s.%d", path, MaxRotations))
	for i := MaxRotations - 1; i >= 1; i-- {
		_ = os.Rename(fmt.Sprintf("%s.%d", path, i), fmt.Sprintf("%s.%d", path, i+1))
	}
	_ = os.Rename(path, path+".1")
}

// ScanPaths returns the active log path plus its rotated generations,
// oldest last, so callers can replay newest-first.
func ScanPaths(path string) []string {
	out := make([]string, 0, MaxRotations+1)
	out = append(out, path)
	for i := 1; i <= MaxRotations; i++ {
		out = append(out, fmt.Sprintf("%s.%d", path, i))
	}
	return out
}

// ReadLastN decodes the trailing n records of type T across the log and its
// rotations. Undecodable lines are skipped.
func ReadLastN[T any](path string, n int) ([]T, error) {
	if n <= 0 {
		return nil, nil
	}
	paths := ScanPaths(path)
	out := make([]T, 0, n)
	for i := len(paths) - 1; i >= 0; i-- {
		f, err := os.Open(paths[i])
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		sc := newScanner(f)
		for sc.Scan() {
			var rec T
			if err := json.Unmarshal(sc.Bytes(), &rec); err == nil {
				if len(out) < n {
					out = append(out, rec)
				} else {
					copy(out, out[1:])
					out[n-1] = rec
				}
			}
		}
		if err := sc.Err(); err != nil {
			_ = f.Close()
			return nil, err
		}
		_ = f.Close()
	}
	return out, nil
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanLine)
	return sc
}

// WriteBlob atomically replaces path with data (tmp file + rename + dir sync).
func WriteBlob(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	syncDir(path)
	return nil
}

// ReadBlob reads path, returning (nil, nil) when the file does not exist.
func ReadBlob(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}
