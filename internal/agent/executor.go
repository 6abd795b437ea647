package agent

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mtzanidakis/drover/internal/config"
	"github.com/mtzanidakis/drover/internal/protocol"
)

// ErrAgentFault marks executor errors that say something about the agent
// itself (missing binary, broken runtime) rather than about the task. The
// agent follows them with an ERROR_REPORT.
var ErrAgentFault = errors.New("agent fault")

// ProgressFunc reports advisory progress for the running task.
type ProgressFunc func(progress int, step string)

// Executor performs the work behind a task assignment.
type Executor interface {
	Execute(ctx context.Context, task protocol.TaskAssignmentPayload, progress ProgressFunc) (map[string]any, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task protocol.TaskAssignmentPayload, progress ProgressFunc) (map[string]any, error)

func (f ExecutorFunc) Execute(ctx context.Context, task protocol.TaskAssignmentPayload, progress ProgressFunc) (map[string]any, error) {
	return f(ctx, task, progress)
}

// outputLimit caps the captured stdout and stderr kept per task.
const outputLimit = 64 << 10

// CommandExecutor runs the configured coding-agent command with the task
// description as its last argument. Lines of the form
// "PROGRESS <0-100> [step]" on stdout are turned into progress reports.
type CommandExecutor struct {
	cfg config.ExecutorConfig
}

func NewCommandExecutor(cfg config.ExecutorConfig) *CommandExecutor {
	return &CommandExecutor{cfg: cfg}
}

func (e *CommandExecutor) Execute(ctx context.Context, task protocol.TaskAssignmentPayload, progress ProgressFunc) (map[string]any, error) {
	if _, err := exec.LookPath(e.cfg.Command); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAgentFault, err)
	}
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	args := append(append([]string(nil), e.cfg.Args...), Prompt(task))
	cmd := exec.CommandContext(ctx, e.cfg.Command, args...)
	cmd.Dir = e.cfg.Workdir
	cmd.Env = append(os.Environ(), TaskEnv(task)...)
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrAgentFault, err)
	}
	stderr := &tailBuffer{limit: outputLimit}
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrAgentFault, e.cfg.Command, err)
	}

	output := &tailBuffer{limit: outputLimit}
	ScanProgress(stdout, output, progress)
	err = cmd.Wait()

	result := map[string]any{
		"output":      output.String(),
		"duration_ms": time.Since(start).Milliseconds(),
		"exit_code":   cmd.ProcessState.ExitCode(),
	}
	if ctx.Err() != nil {
		return result, fmt.Errorf("command aborted: %w", ctx.Err())
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return result, fmt.Errorf("command failed: %w", err)
		}
		return result, fmt.Errorf("command failed: %w: %s", err, lastLine(msg))
	}
	return result, nil
}

// Prompt renders the instruction handed to the coding agent.
func Prompt(task protocol.TaskAssignmentPayload) string {
	var b strings.Builder
	b.WriteString(task.Description)
	if task.FilePattern != "" {
		fmt.Fprintf(&b, "\n\nOnly touch files matching: %s", task.FilePattern)
	}
	return b.String()
}

// TaskEnv is the environment describing task to the executed process.
func TaskEnv(task protocol.TaskAssignmentPayload) []string {
	return []string{
		"DROVER_TASK_ID=" + task.TaskID,
		"DROVER_TASK_TYPE=" + task.Type,
		"DROVER_TASK_PRIORITY=" + task.Priority,
		"DROVER_FILE_PATTERN=" + task.FilePattern,
		"DROVER_RETRY_COUNT=" + strconv.Itoa(task.RetryCount),
	}
}

// ScanProgress copies r into out line by line, reporting PROGRESS lines
// to progress instead.
func ScanProgress(r io.Reader, out io.Writer, progress ProgressFunc) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if p, step, ok := parseProgress(line); ok {
			if progress != nil {
				progress(p, step)
			}
			continue
		}
		fmt.Fprintln(out, line)
	}
}

func parseProgress(line string) (int, string, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), "PROGRESS ")
	if !ok {
		return 0, "", false
	}
	num, step, _ := strings.Cut(strings.TrimSpace(rest), " ")
	p, err := strconv.Atoi(strings.TrimSuffix(num, "%"))
	if err != nil {
		return 0, "", false
	}
	return p, strings.TrimSpace(step), true
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
