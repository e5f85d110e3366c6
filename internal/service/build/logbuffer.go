package build

import (
	"strings"
	"sync"
)

// FilterFunc decides whether a raw toolchain output line is worth keeping.
type FilterFunc func(line string) bool

// logBuffer keeps the most recent lines of a build's log up to a fixed
// capacity, evicting the oldest line on overflow. Snapshot returns a copy so
// concurrent readers never observe a partially appended buffer.
type logBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newLogBuffer(max int) *logBuffer {
	if max <= 0 {
		max = 500
	}
	return &logBuffer{lines: make([]string, 0, max), max: max}
}

func (b *logBuffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.lines) >= b.max {
		b.lines = append(b.lines[1:], line)
		return
	}
	b.lines = append(b.lines, line)
}

func (b *logBuffer) Snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}

func (b *logBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}

var interestingKeywords = []string{
	"Compiling", "Linking", "Building", "RAM:", "Flash:",
	"SUCCESS", "FAILED", "Error", "error:", "warning:",
	"Library", "LDF", "Scanning", "Found", "Checking",
	"Retrieving", "esptool", "Creating", "Merged",
}

// DefaultFilter keeps the lines a developer actually reads in a firmware
// build: compile and link progress, memory usage, dependency resolution,
// image creation, and anything that looks like an error or warning.
// Progress-bar lines (leading bracket or a percent sign) also pass.
func DefaultFilter(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	if strings.HasPrefix(trimmed, "[") || strings.Contains(trimmed, "%") {
		return true
	}
	for _, kw := range interestingKeywords {
		if strings.Contains(trimmed, kw) {
			return true
		}
	}
	return false
}
