package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/ccchow/ClawUI-sub001/common/config"
	"github.com/ccchow/ClawUI-sub001/common/logger"
)

// nestingGuardVars are stripped from the child environment so the agent does
// not refuse to start inside another coding-agent invocation.
var nestingGuardVars = []string{
	"CLAUDECODE",
	"CLAUDE_CODE_ENTRYPOINT",
	"CLAUDE_CODE_SSE_PORT",
}

// CLIError reports an agent process that exited non-zero with no usable output
type CLIError struct {
	Message    string
	StderrTail string
}

func (e *CLIError) Error() string {
	if e.StderrTail != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.StderrTail)
	}
	return e.Message
}

// ErrTimeout is returned when an invocation hits the wall-clock cap
var ErrTimeout = errors.New("agent process timed out")

// Options configures a single agent invocation
type Options struct {
	// Prompt is passed to the agent by file, never argv
	Prompt string
	// Cwd scopes the agent's working directory; empty inherits the parent's
	Cwd string
	// ResumeSessionID resumes a prior agent session instead of starting fresh
	ResumeSessionID string
	// OnPID observes the spawned process id
	OnPID func(pid int)
}

// Runner spawns interactive agent CLI subprocesses
type Runner struct {
	cfg config.AgentConfig
	log *logger.Logger
}

// New creates a runner
func New(cfg config.AgentConfig, log *logger.Logger) *Runner {
	return &Runner{cfg: cfg, log: log}
}

// Run spawns the agent, waits for it to exit, and returns cleaned stdout.
// Temp files are unlinked on every exit path. A non-zero exit with non-empty
// stdout is treated as success; interpretation belongs to the caller.
func (r *Runner) Run(ctx context.Context, opts Options) (string, error) {
	return r.spawn(ctx, opts, true)
}

// Start spawns the agent and waits for it to exit without consuming stdout.
// Used when the agent reports its results via HTTP callbacks rather than by
// returning text.
func (r *Runner) Start(ctx context.Context, opts Options) error {
	_, err := r.spawn(ctx, opts, false)
	return err
}

func (r *Runner) spawn(ctx context.Context, opts Options, collect bool) (string, error) {
	promptFile, err := writeTemp("clawui-prompt-*.txt", opts.Prompt, 0o600)
	if err != nil {
		return "", fmt.Errorf("write prompt file: %w", err)
	}
	defer os.Remove(promptFile)

	scriptFile, err := writeTemp("clawui-spawn-*.sh", r.script(promptFile, opts), 0o700)
	if err != nil {
		return "", fmt.Errorf("write spawn script: %w", err)
	}
	defer os.Remove(scriptFile)

	stdoutFile, err := os.CreateTemp("", "clawui-stdout-*.log")
	if err != nil {
		return "", fmt.Errorf("create stdout file: %w", err)
	}
	defer func() {
		stdoutFile.Close()
		os.Remove(stdoutFile.Name())
	}()

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.ProcessTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", scriptFile)
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}
	cmd.Env = scrubEnv(os.Environ())
	// Own process group so a timeout kill reaps the agent's children too
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		if pgid, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
			return syscall.Kill(-pgid, syscall.SIGTERM)
		}
		return cmd.Process.Kill()
	}

	if collect {
		cmd.Stdout = stdoutFile
	}
	stderrTail := newTailBuffer(2048)
	cmd.Stderr = stderrTail

	if err := cmd.Start(); err != nil {
		return "", &CLIError{Message: fmt.Sprintf("failed to spawn agent: %v", err)}
	}

	if opts.OnPID != nil && cmd.Process != nil {
		opts.OnPID(cmd.Process.Pid)
	}

	waitErr := cmd.Wait()

	var output string
	if collect {
		output = r.readStdout(stdoutFile)
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return output, fmt.Errorf("%w after %s", ErrTimeout, r.cfg.ProcessTimeout)
	}

	if waitErr != nil && output == "" {
		return "", &CLIError{
			Message:    fmt.Sprintf("agent exited with error: %v", waitErr),
			StderrTail: stderrTail.String(),
		}
	}

	return output, nil
}

// script builds the orchestration script that feeds the prompt to the agent
// by file. Large prompts never touch argv.
func (r *Runner) script(promptFile string, opts Options) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	b.WriteString("exec ")
	b.WriteString(shellQuote(r.cfg.Binary))
	b.WriteString(" -p --dangerously-skip-permissions")
	if opts.ResumeSessionID != "" {
		b.WriteString(" --resume ")
		b.WriteString(shellQuote(opts.ResumeSessionID))
	}
	b.WriteString(" < ")
	b.WriteString(shellQuote(promptFile))
	b.WriteString("\n")
	return b.String()
}

func (r *Runner) readStdout(f *os.File) string {
	info, err := f.Stat()
	if err != nil {
		return ""
	}
	size := info.Size()
	max := int64(r.cfg.MaxStdoutBytes)
	offset := int64(0)
	if max > 0 && size > max {
		offset = size - max
	}
	buf := make([]byte, size-offset)
	if _, err := f.ReadAt(buf, offset); err != nil && len(buf) > 0 {
		return ""
	}
	return CleanOutput(string(buf), r.cfg.Binary)
}

func writeTemp(pattern, content string, mode os.FileMode) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", err
	}
	name := f.Name()
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	if err := os.Chmod(name, mode); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

func scrubEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		skip := false
		for _, guard := range nestingGuardVars {
			if strings.HasPrefix(kv, guard+"=") {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, kv)
		}
	}
	return out
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// tailBuffer keeps the last n bytes written to it
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
