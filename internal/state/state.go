// Package state persists the two pieces of process-wide mutable state
// the daemon owns: the policy mode and the boot-time restore delay.
// Both files live under /var/lib/nvsleepify and use whole-file
// replace semantics — last writer wins, no partial-write window a
// concurrent reader can observe.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nvsleepify/nvsleepifyd/internal/mode"
	"github.com/nvsleepify/nvsleepifyd/pkg/config"
)

// Store reads and writes the persisted mode and restore-delay files.
type Store struct {
	modeFile  string
	delayFile string
}

// New returns a Store rooted at the default state directory.
func New() *Store {
	return &Store{
		modeFile:  config.ModeFile,
		delayFile: config.RestoreDelayFile,
	}
}

// NewAt returns a Store rooted at the given files, for tests that need
// a Store without touching /var/lib/nvsleepify.
func NewAt(modeFile, delayFile string) *Store {
	return &Store{modeFile: modeFile, delayFile: delayFile}
}

// LoadMode returns the persisted mode, defaulting to mode.Standard
// when the file is absent, empty, or unparseable.
func (s *Store) LoadMode() mode.Mode {
	content, err := os.ReadFile(s.modeFile)
	if err != nil {
		return mode.Default
	}
	m, err := mode.Parse(string(content))
	if err != nil {
		return mode.Default
	}
	return m
}

// SaveMode persists m, creating the state directory if needed.
func (s *Store) SaveMode(m mode.Mode) error {
	return atomicWrite(s.modeFile, m.String())
}

// LoadRestoreDelay returns the persisted boot-delay in seconds,
// defaulting to 0 when the file is absent or unparseable.
func (s *Store) LoadRestoreDelay() int {
	content, err := os.ReadFile(s.delayFile)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(content)))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// SaveRestoreDelay persists seconds, rejecting negative values.
func (s *Store) SaveRestoreDelay(seconds int) error {
	if seconds < 0 {
		return fmt.Errorf("restore delay must be non-negative, got %d", seconds)
	}
	return atomicWrite(s.delayFile, strconv.Itoa(seconds))
}

// atomicWrite replaces path's contents via a temp-file-plus-rename so
// a reader never observes a truncated write mid-update.
func atomicWrite(path, content string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", tmpName, path, err)
	}
	return nil
}
