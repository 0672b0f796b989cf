package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/hochfrequenz/claudia-review/internal/domain"
)

// reviewNamespace is a fixed UUID namespace for deriving session names.
// The same task always maps to the same tmux session, so a restarted
// orchestrator finds sessions it started in a previous life.
var reviewNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

const sessionPrefix = "claudia-review-"

// TmuxConfig configures the tmux-backed driver
type TmuxConfig struct {
	TmuxPath   string // tmux binary, default "tmux"
	Executable string // review executable, e.g. "claude"
	WorkingDir string // directory sessions run in
	StateDir   string // per-session output and exit files
}

// TmuxDriver runs each review in a detached tmux session. Output is captured
// by piping the pane to a log file; the exit code lands in a sentinel file
// written by the wrapped shell command, which is how Poll distinguishes a
// finished session from a killed one.
type TmuxDriver struct {
	cfg TmuxConfig

	mu      sync.Mutex
	taskIDs map[string]int64 // session name -> task, for state reports
}

// NewTmuxDriver creates a driver; StateDir is created if missing
func NewTmuxDriver(cfg TmuxConfig) (*TmuxDriver, error) {
	if cfg.TmuxPath == "" {
		cfg.TmuxPath = "tmux"
	}
	if cfg.Executable == "" {
		return nil, fmt.Errorf("executable path is required")
	}
	if cfg.StateDir == "" {
		home, _ := os.UserHomeDir()
		cfg.StateDir = filepath.Join(home, ".claudia-review", "sessions")
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	return &TmuxDriver{
		cfg:     cfg,
		taskIDs: make(map[string]int64),
	}, nil
}

// SessionName returns the deterministic tmux session name for a task
func SessionName(taskID int64) string {
	key := fmt.Sprintf("review-task-%d", taskID)
	return sessionPrefix + uuid.NewSHA1(reviewNamespace, []byte(key)).String()[:8]
}

func (d *TmuxDriver) sessionDir(sessionID string) string {
	return filepath.Join(d.cfg.StateDir, sessionID)
}

// Start launches a detached tmux session running the review command
func (d *TmuxDriver) Start(ctx context.Context, req StartRequest) (string, error) {
	name := SessionName(req.TaskID)
	dir := d.sessionDir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating session dir: %w", err)
	}

	outputPath := filepath.Join(dir, "output.log")
	exitPath := filepath.Join(dir, "exit")
	metaPath := filepath.Join(dir, "task")

	// Leftovers from an earlier attempt for the same task would confuse Poll
	os.Remove(outputPath)
	os.Remove(exitPath)

	if err := os.WriteFile(metaPath, []byte(strconv.FormatInt(req.TaskID, 10)), 0o644); err != nil {
		return "", fmt.Errorf("writing session metadata: %w", err)
	}

	shellCmd := fmt.Sprintf("%s %s %s; echo $? > %s",
		d.cfg.Executable, shellQuote(req.Prompt), shellQuote(req.PR.URL), shellQuote(exitPath))

	args := []string{"new-session", "-d", "-s", name}
	if d.cfg.WorkingDir != "" {
		args = append(args, "-c", d.cfg.WorkingDir)
	}
	args = append(args, shellCmd)

	if out, err := exec.CommandContext(ctx, d.cfg.TmuxPath, args...).CombinedOutput(); err != nil {
		return "", fmt.Errorf("tmux new-session: %v: %s", err, strings.TrimSpace(string(out)))
	}

	// Pane output -> log file, so FetchOutput survives the pane's death
	pipeCmd := fmt.Sprintf("cat >> %s", shellQuote(outputPath))
	if out, err := exec.CommandContext(ctx, d.cfg.TmuxPath, "pipe-pane", "-t", name, "-o", pipeCmd).CombinedOutput(); err != nil {
		exec.Command(d.cfg.TmuxPath, "kill-session", "-t", name).Run()
		return "", fmt.Errorf("tmux pipe-pane: %v: %s", err, strings.TrimSpace(string(out)))
	}

	d.mu.Lock()
	d.taskIDs[name] = req.TaskID
	d.mu.Unlock()

	return name, nil
}

// Poll reports the session's current state
func (d *TmuxDriver) Poll(ctx context.Context, sessionID string) (domain.SessionState, error) {
	state := domain.SessionState{
		ID:     sessionID,
		TaskID: d.taskID(sessionID),
	}

	exitPath := filepath.Join(d.sessionDir(sessionID), "exit")
	if data, err := os.ReadFile(exitPath); err == nil {
		code, convErr := strconv.Atoi(strings.TrimSpace(string(data)))
		switch {
		case convErr != nil:
			state.Status = domain.SessionFailed
			state.Error = fmt.Sprintf("unreadable exit code %q", strings.TrimSpace(string(data)))
		case code == 0:
			state.Status = domain.SessionCompleted
		default:
			state.Status = domain.SessionFailed
			state.Error = fmt.Sprintf("review process exited with code %d", code)
		}
		return state, nil
	}

	if d.hasSession(ctx, sessionID) {
		state.Status = domain.SessionRunning
		return state, nil
	}

	// No exit file and no live session: the pane was killed out from under us
	state.Status = domain.SessionKilled
	return state, nil
}

// FetchOutput returns the captured pane output
func (d *TmuxDriver) FetchOutput(ctx context.Context, sessionID string) (string, error) {
	outputPath := filepath.Join(d.sessionDir(sessionID), "output.log")
	if data, err := os.ReadFile(outputPath); err == nil {
		return string(data), nil
	}

	// Log file missing: fall back to a live pane capture
	out, err := exec.CommandContext(ctx, d.cfg.TmuxPath, "capture-pane", "-p", "-t", sessionID).Output()
	if err != nil {
		return "", fmt.Errorf("no captured output for session %s", sessionID)
	}
	return string(out), nil
}

// Terminate kills the tmux session. A session that is already gone is fine.
func (d *TmuxDriver) Terminate(ctx context.Context, sessionID string) error {
	out, err := exec.CommandContext(ctx, d.cfg.TmuxPath, "kill-session", "-t", sessionID).CombinedOutput()
	if err != nil && !strings.Contains(string(out), "can't find session") {
		return fmt.Errorf("tmux kill-session: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// PruneState removes state directories of sessions not in keep. Used by the
// maintenance sweep after their tasks have been pruned.
func (d *TmuxDriver) PruneState(keep map[string]bool) (int, error) {
	entries, err := os.ReadDir(d.cfg.StateDir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), sessionPrefix) || keep[e.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(d.cfg.StateDir, e.Name())); err == nil {
			removed++
			d.mu.Lock()
			delete(d.taskIDs, e.Name())
			d.mu.Unlock()
		}
	}
	return removed, nil
}

func (d *TmuxDriver) taskID(sessionID string) int64 {
	d.mu.Lock()
	if id, ok := d.taskIDs[sessionID]; ok {
		d.mu.Unlock()
		return id
	}
	d.mu.Unlock()

	// Restart path: recover the binding from the session's metadata file
	data, err := os.ReadFile(filepath.Join(d.sessionDir(sessionID), "task"))
	if err != nil {
		return 0
	}
	id, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0
	}
	d.mu.Lock()
	d.taskIDs[sessionID] = id
	d.mu.Unlock()
	return id
}

func (d *TmuxDriver) hasSession(ctx context.Context, name string) bool {
	err := exec.CommandContext(ctx, d.cfg.TmuxPath, "has-session", "-t", name).Run()
	return err == nil
}

// shellQuote wraps s in single quotes for safe interpolation into the
// tmux session's shell command
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
