//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/hochfrequenz/claudia-review/internal/domain"
	"github.com/hochfrequenz/claudia-review/internal/taskstore"
)

// TempDBPath creates a temporary database path for testing
func TempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

// NewStore opens a task store on a temp database
func NewStore(t *testing.T) *taskstore.Store {
	t.Helper()
	store, err := taskstore.New(TempDBPath(t))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// StubTmux writes a shell script standing in for the tmux binary. Every
// invocation is appended to a calls log next to the script; has-session
// exits with hasSessionCode so tests can pick live vs dead sessions.
func StubTmux(t *testing.T, hasSessionCode int) (script, callsLog string) {
	t.Helper()
	dir := t.TempDir()
	script = filepath.Join(dir, "tmux")
	callsLog = filepath.Join(dir, "calls.log")

	content := fmt.Sprintf(`#!/bin/sh
echo "$@" >> %s
case "$1" in
has-session) exit %d ;;
esac
exit 0
`, callsLog, hasSessionCode)

	if err := os.WriteFile(script, []byte(content), 0o755); err != nil {
		t.Fatalf("writing tmux stub: %v", err)
	}
	return script, callsLog
}

// CallsLog returns the recorded stub invocations
func CallsLog(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

// fakeSource feeds canned reminder events into the ingestion pipeline
type fakeSource struct {
	events []domain.ReminderEvent
}

func (f *fakeSource) ListReminderEvents(ctx context.Context) ([]domain.ReminderEvent, error) {
	return f.events, nil
}
