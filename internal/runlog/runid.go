package runlog

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// DefaultLegacyPrefix marks run ids from the old launcher that must be
// remapped onto sequential logN ids.
const DefaultLegacyPrefix = "kickstart"

// Allocator hands out sequential logN run ids and deterministically
// remaps legacy-prefixed ids onto them, once per distinct legacy id.
// The counter is seeded by scanning the logs directory for the highest
// existing index and is purely in-memory afterwards.
type Allocator struct {
	mu           sync.Mutex
	logsDir      string
	legacyPrefix string
	next         int // 0 until the first scan
	legacy       map[string]string
}

// NewAllocator creates an allocator over logsDir. An empty prefix uses
// DefaultLegacyPrefix.
func NewAllocator(logsDir, legacyPrefix string) *Allocator {
	if legacyPrefix == "" {
		legacyPrefix = DefaultLegacyPrefix
	}
	return &Allocator{
		logsDir:      logsDir,
		legacyPrefix: strings.ToLower(legacyPrefix),
		legacy:       map[string]string{},
	}
}

// Normalize maps a caller-supplied flow run id to its canonical form:
// explicit non-legacy ids pass through, legacy ids are remapped (once
// each) to fresh sequential ids, and empty ids get a fresh id.
func (a *Allocator) Normalize(raw string) string {
	rid := strings.TrimSpace(raw)
	if rid != "" && !strings.HasPrefix(strings.ToLower(rid), a.legacyPrefix) {
		return rid
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if rid != "" {
		if mapped, ok := a.legacy[rid]; ok {
			return mapped
		}
		mapped := a.nextLocked()
		a.legacy[rid] = mapped
		return mapped
	}
	return a.nextLocked()
}

// Next returns a fresh sequential run id.
func (a *Allocator) Next() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nextLocked()
}

func (a *Allocator) nextLocked() string {
	if a.next == 0 {
		a.next = scanNextLogIndex(a.logsDir)
	}
	rid := fmt.Sprintf("log%d", a.next)
	a.next++
	return rid
}

var logIndexPattern = regexp.MustCompile(`(?i)^log(\d+)([.-]|$)`)

// scanNextLogIndex finds the highest logN index among existing run
// files and returns the next one. A missing or unreadable directory
// starts at 1.
func scanNextLogIndex(dir string) int {
	maxIdx := 0
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 1
	}
	for _, entry := range entries {
		m := logIndexPattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if idx > maxIdx {
			maxIdx = idx
		}
	}
	return maxIdx + 1
}
