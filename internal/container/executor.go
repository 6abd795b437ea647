// Package container runs tasks inside throwaway docker containers.
package container

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/mtzanidakis/drover/internal/agent"
	"github.com/mtzanidakis/drover/internal/config"
	"github.com/mtzanidakis/drover/internal/protocol"
)

const labelPrefix = "drover"

// Executor runs each task in a fresh container built from the agent image
// and removes it afterwards. It implements agent.Executor.
type Executor struct {
	docker  *client.Client
	cfg     config.ExecutorConfig
	agentID string
	mounts  []string

	mu     sync.RWMutex
	active map[string]string // taskID → container ID
}

func NewExecutor(cfg config.ExecutorConfig, agentID string) (*Executor, error) {
	mounts, err := buildMounts(cfg.Workdir, cfg.Mounts)
	if err != nil {
		return nil, err
	}
	docker, err := NewDockerClient()
	if err != nil {
		return nil, err
	}
	return &Executor{
		docker:  docker,
		cfg:     cfg,
		agentID: agentID,
		mounts:  mounts,
		active:  make(map[string]string),
	}, nil
}

func (e *Executor) Close() error {
	return e.docker.Close()
}

func (e *Executor) Execute(ctx context.Context, task protocol.TaskAssignmentPayload, progress agent.ProgressFunc) (map[string]any, error) {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}
	cleanup := context.WithoutCancel(ctx)

	name := containerName(e.agentID, task.TaskID)
	// Remove any leftover container with the same name
	_ = e.docker.ContainerRemove(cleanup, name, dockercontainer.RemoveOptions{Force: true})

	containerCfg := &dockercontainer.Config{
		Image:      e.cfg.Image,
		Cmd:        append(append([]string{e.cfg.Command}, e.cfg.Args...), agent.Prompt(task)),
		Env:        e.env(task),
		WorkingDir: workspaceTarget,
		Labels: map[string]string{
			labelPrefix + ".managed": "true",
			labelPrefix + ".agent":   e.agentID,
			labelPrefix + ".task":    task.TaskID,
		},
	}
	hostCfg := &dockercontainer.HostConfig{Binds: e.mounts}

	resp, err := e.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("%w: create container: %v", agent.ErrAgentFault, err)
	}
	e.track(task.TaskID, resp.ID)
	defer func() {
		e.untrack(task.TaskID)
		if err := e.docker.ContainerRemove(cleanup, resp.ID, dockercontainer.RemoveOptions{Force: true}); err != nil {
			slog.Warn("failed to remove task container", "container", shortID(resp.ID), "error", err)
		}
	}()

	start := time.Now()
	if err := e.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		return nil, fmt.Errorf("%w: start container: %v", agent.ErrAgentFault, err)
	}
	slog.Info("task container started", "task", task.TaskID, "container", shortID(resp.ID))

	output, stderr, logsDone := e.follow(ctx, resp.ID, progress)

	statusCh, errCh := e.docker.ContainerWait(ctx, resp.ID, dockercontainer.WaitConditionNotRunning)
	var exitCode int64
	select {
	case <-ctx.Done():
		timeout := 10
		if err := e.docker.ContainerStop(cleanup, resp.ID, dockercontainer.StopOptions{Timeout: &timeout}); err != nil {
			slog.Warn("failed to stop task container", "container", shortID(resp.ID), "error", err)
		}
		<-logsDone
		return map[string]any{"output": output.String()}, fmt.Errorf("container aborted: %w", ctx.Err())
	case err := <-errCh:
		return nil, fmt.Errorf("%w: wait container: %v", agent.ErrAgentFault, err)
	case st := <-statusCh:
		exitCode = st.StatusCode
		if st.Error != nil && st.Error.Message != "" {
			return nil, fmt.Errorf("%w: container error: %s", agent.ErrAgentFault, st.Error.Message)
		}
	}
	<-logsDone

	result := map[string]any{
		"output":      output.String(),
		"duration_ms": time.Since(start).Milliseconds(),
		"exit_code":   exitCode,
		"container":   shortID(resp.ID),
	}
	if exitCode != 0 {
		msg := strings.TrimSpace(stderr.String())
		if i := strings.LastIndexByte(msg, '\n'); i >= 0 {
			msg = msg[i+1:]
		}
		return result, fmt.Errorf("container exited with code %d: %s", exitCode, msg)
	}
	return result, nil
}

// follow streams container output through the progress scanner until the
// container stops.
func (e *Executor) follow(ctx context.Context, id string, progress agent.ProgressFunc) (*strings.Builder, *strings.Builder, <-chan struct{}) {
	var output, stderr strings.Builder
	done := make(chan struct{})

	logs, err := e.docker.ContainerLogs(ctx, id, dockercontainer.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		slog.Warn("failed to follow container logs", "container", shortID(id), "error", err)
		close(done)
		return &output, &stderr, done
	}

	pr, pw := io.Pipe()
	go func() {
		defer logs.Close()
		_, err := stdcopy.StdCopy(pw, &limitWriter{w: &stderr, n: 64 << 10}, logs)
		pw.CloseWithError(err)
	}()
	go func() {
		defer close(done)
		agent.ScanProgress(pr, &limitWriter{w: &output, n: 64 << 10}, progress)
		_, _ = io.Copy(io.Discard, pr)
	}()
	return &output, &stderr, done
}

func (e *Executor) env(task protocol.TaskAssignmentPayload) []string {
	env := agent.TaskEnv(task)
	for _, name := range e.cfg.Env {
		if v := os.Getenv(name); v != "" {
			env = append(env, fmt.Sprintf("%s=%s", name, v))
		}
	}
	if tz := os.Getenv("TZ"); tz != "" {
		env = append(env, fmt.Sprintf("TZ=%s", tz))
	}
	return env
}

func (e *Executor) track(taskID, containerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[taskID] = containerID
}

func (e *Executor) untrack(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, taskID)
}

// ActiveCount is the number of task containers currently running.
func (e *Executor) ActiveCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.active)
}

// CleanupStale removes managed containers left behind by this agent.
func (e *Executor) CleanupStale(ctx context.Context) error {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelPrefix+".managed=true")
	filterArgs.Add("label", labelPrefix+".agent="+e.agentID)

	containers, err := e.docker.ContainerList(ctx, dockercontainer.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}

	e.mu.RLock()
	activeIDs := make(map[string]bool)
	for _, id := range e.active {
		activeIDs[id] = true
	}
	e.mu.RUnlock()

	for _, c := range containers {
		if !activeIDs[c.ID] {
			slog.Info("cleaning up stale container", "container", shortID(c.ID))
			_ = e.docker.ContainerRemove(ctx, c.ID, dockercontainer.RemoveOptions{Force: true})
		}
	}
	return nil
}

func containerName(agentID, taskID string) string {
	return fmt.Sprintf("drover-%s-%s", sanitizeName(agentID), sanitizeName(taskID))
}

// sanitizeName keeps characters docker accepts in container names.
func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "x"
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// limitWriter drops writes past n bytes.
type limitWriter struct {
	w io.Writer
	n int
}

func (l *limitWriter) Write(p []byte) (int, error) {
	if l.n <= 0 {
		return len(p), nil
	}
	chunk := p
	if len(chunk) > l.n {
		chunk = chunk[:l.n]
	}
	l.n -= len(chunk)
	if _, err := l.w.Write(chunk); err != nil {
		return 0, err
	}
	return len(p), nil
}
