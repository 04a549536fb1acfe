package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// JSONLTrail appends one JSON object per line to a file. An existing file is
// read on open to continue its chain.
type JSONLTrail struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	chain  chain
	closed bool
}

// OpenJSONL opens or creates the trail at path.
func OpenJSONL(path string) (*JSONLTrail, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}
	t := &JSONLTrail{path: path, chain: newChain()}

	existing, err := readJSONL(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if n := len(existing); n > 0 {
		t.chain.commit(existing[n-1])
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	t.file = f
	return t, nil
}

func (t *JSONLTrail) Path() string { return t.path }

func (t *JSONLTrail) Append(_ context.Context, e Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}

	sealed, err := t.chain.seal(e)
	if err != nil {
		return err
	}
	line, err := json.Marshal(sealed)
	if err != nil {
		return err
	}
	if _, err := t.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write: %w", err)
	}
	if err := t.file.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}
	t.chain.commit(sealed)
	return nil
}

func (t *JSONLTrail) Entries(_ context.Context, f Filter) ([]Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	all, err := readJSONL(t.path)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		if !f.match(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (t *JSONLTrail) Verify(_ context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	all, err := readJSONL(t.path)
	if err != nil {
		return 0, err
	}
	return len(all), VerifyChain(all)
}

func (t *JSONLTrail) Head() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chain.head
}

func (t *JSONLTrail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.file.Close()
}

func readJSONL(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return decodeJSONL(f)
}

func decodeJSONL(r io.Reader) ([]Entry, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var out []Entry
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("audit: line %d: %w", line, err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}
