package logconfig

import (
	"fmt"
	"sync"

	myLogger "github.com/sirupsen/logrus"
)

// MemorySink is a logrus hook that keeps the most recent log lines in
// memory. It backs the admin logs endpoint.
type MemorySink struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func NewMemorySink(max int) *MemorySink {
	if max <= 0 {
		max = 256
	}
	return &MemorySink{max: max}
}

// Install registers the sink on the global logger.
func (s *MemorySink) Install() {
	myLogger.AddHook(s)
}

func (s *MemorySink) Levels() []myLogger.Level {
	return myLogger.AllLevels
}

func (s *MemorySink) Fire(entry *myLogger.Entry) error {
	line := fmt.Sprintf("%s [%s] %s", entry.Time.Format("2006-01-02T15:04:05.000"),
		entry.Level, entry.Message)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
	if len(s.lines) > s.max {
		s.lines = s.lines[len(s.lines)-s.max:]
	}
	return nil
}

// Recent returns the captured lines, oldest first.
func (s *MemorySink) Recent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.lines))
	copy(out, s.lines)
	return out
}
