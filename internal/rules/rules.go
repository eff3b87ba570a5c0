// Package rules provides the file-backed store of per-textbook rule
// and kickoff texts with a modification-time invalidated cache.
package rules

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

var bookKeyPattern = regexp.MustCompile(`[^a-z0-9_]+`)

// SafeBookKey reduces a raw book type to the lowercase key used for
// rule file lookups.
func SafeBookKey(raw string) string {
	return bookKeyPattern.ReplaceAllString(strings.ToLower(strings.TrimSpace(raw)), "")
}

type cachedText struct {
	mtime time.Time
	text  string
}

// Store reads rule/kickoff texts from a directory of <book>.txt files.
// Safe for concurrent use.
type Store struct {
	dir   string
	mu    sync.Mutex
	cache map[string]cachedText
}

// NewStore creates a store over dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir, cache: map[string]cachedText{}}
}

// RuleText returns the teaching rules for a book type, or "" when no
// rule file exists or it is empty.
func (s *Store) RuleText(bookType string) string {
	key := SafeBookKey(bookType)
	if key == "" {
		return ""
	}
	return s.readFirst([]string{
		key + ".txt",
		strings.ReplaceAll(key, "_", "") + ".txt",
	})
}

// KickoffText returns the lesson kickoff prompt for a book type, or ""
// when none is configured.
func (s *Store) KickoffText(bookType string) string {
	key := SafeBookKey(bookType)
	if key == "" {
		return ""
	}
	flat := strings.ReplaceAll(key, "_", "")
	return s.readFirst([]string{
		key + "_kickoff.txt",
		key + "_start.txt",
		flat + "_kickoff.txt",
		flat + "_start.txt",
	})
}

// readFirst returns the trimmed content of the first candidate file
// that exists, consulting the mtime cache.
func (s *Store) readFirst(candidates []string) string {
	for _, name := range candidates {
		path := filepath.Join(s.dir, name)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}

		s.mu.Lock()
		if cached, ok := s.cache[path]; ok && cached.mtime.Equal(info.ModTime()) {
			s.mu.Unlock()
			return cached.text
		}
		s.mu.Unlock()

		data, err := os.ReadFile(path)
		if err != nil {
			return ""
		}
		text := strings.TrimSpace(string(data))

		s.mu.Lock()
		s.cache[path] = cachedText{mtime: info.ModTime(), text: text}
		s.mu.Unlock()
		return text
	}
	return ""
}
