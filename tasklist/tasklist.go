// Package tasklist persists the set of watched streams as "<url>|<0|1>"
// lines, the flag being the unlimited-retry setting.
package tasklist

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Entry is one watched stream.
type Entry struct {
	URL      string
	Infinite bool
}

// Load reads the list at path. A missing file is an empty list.
func Load(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read task list: %w", err)
	}
	return Parse(data), nil
}

// Parse decodes list content. Blank lines are skipped; a line without "|"
// is a URL with the flag off.
func Parse(data []byte) []Entry {
	var out []Entry
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		url, flag, _ := strings.Cut(line, "|")
		url = strings.TrimSpace(url)
		if url == "" {
			continue
		}
		out = append(out, Entry{URL: url, Infinite: strings.TrimSpace(flag) == "1"})
	}
	return out
}

// Format encodes entries, one per line.
func Format(entries []Entry) []byte {
	var b bytes.Buffer
	for _, e := range entries {
		flag := "0"
		if e.Infinite {
			flag = "1"
		}
		fmt.Fprintf(&b, "%s|%s\n", e.URL, flag)
	}
	return b.Bytes()
}

// Save replaces the list at path atomically.
func Save(path string, entries []Entry) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("save task list: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op once renamed

	if _, err := tmp.Write(Format(entries)); err != nil {
		tmp.Close()
		return fmt.Errorf("save task list: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save task list: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("save task list: %w", err)
	}
	return nil
}
