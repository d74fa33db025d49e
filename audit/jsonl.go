package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// JSONLStore writes one JSON object per line to a single file.
type JSONLStore struct {
	path string
	mu   sync.Mutex
}

func OpenJSONL(path string) (*JSONLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("audit directory: %w", err)
	}
	return &JSONLStore{path: path}, nil
}

func (js *JSONLStore) Path() string {
	return js.path
}

func (js *JSONLStore) Append(_ context.Context, r Record) (err error) {
	var line []byte
	if line, err = json.Marshal(&r); err != nil {
		return
	}
	line = append(line, '\n')
	js.mu.Lock()
	defer js.mu.Unlock()
	var f *os.File
	if f, err = os.OpenFile(js.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600); err != nil {
		return
	}
	if _, err = f.Write(line); err != nil {
		_ = f.Close()
		return
	}
	return f.Close()
}

func (js *JSONLStore) scan(fn func(r *Record) bool) (err error) {
	var f *os.File
	if f, err = os.Open(js.path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = nil
		}
		return
	}
	defer f.Close()
	var sc = bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var lineNo int
	for sc.Scan() {
		lineNo++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var r Record
		if err = json.Unmarshal(sc.Bytes(), &r); err != nil {
			return fmt.Errorf("%s:%d: %w", js.path, lineNo, err)
		}
		if !fn(&r) {
			return nil
		}
	}
	return sc.Err()
}

func (js *JSONLStore) Query(_ context.Context, f Filter) (out []Record, err error) {
	js.mu.Lock()
	defer js.mu.Unlock()
	err = js.scan(func(r *Record) bool {
		if f.Match(r) {
			out = append(out, *r)
		}
		return f.Limit <= 0 || len(out) < f.Limit
	})
	return
}

// Cleanup rewrites the file without the old records, replacing it atomically.
func (js *JSONLStore) Cleanup(_ context.Context, before time.Time) (removed int, err error) {
	js.mu.Lock()
	defer js.mu.Unlock()
	var kept []Record
	if err = js.scan(func(r *Record) bool {
		if r.Timestamp.Before(before) {
			removed++
		} else {
			kept = append(kept, *r)
		}
		return true
	}); err != nil || removed == 0 {
		return
	}
	var tmp *os.File
	if tmp, err = os.CreateTemp(filepath.Dir(js.path), ".audit-*"); err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if err = tmp.Chmod(0o600); err != nil {
		return 0, err
	}
	var w = bufio.NewWriter(tmp)
	var enc = json.NewEncoder(w)
	for i := range kept {
		if err = enc.Encode(&kept[i]); err != nil {
			return 0, err
		}
	}
	if err = w.Flush(); err != nil {
		return 0, err
	}
	if err = tmp.Sync(); err != nil {
		return 0, err
	}
	if err = tmp.Close(); err != nil {
		return 0, err
	}
	if err = os.Rename(tmp.Name(), js.path); err != nil {
		return 0, err
	}
	return
}

func (js *JSONLStore) Close() error {
	return nil
}
