package remote

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/quatton/qbench/pkg/fleet"
	"github.com/quatton/qbench/pkg/qerr"
	"github.com/quatton/qbench/pkg/qlog"
)

// DefaultDialBackoff tolerates about five minutes of instance boot.
var DefaultDialBackoff = wait.Backoff{
	Duration: 5 * time.Second,
	Factor:   2,
	Jitter:   0.1,
	Steps:    7,
}

// Executor runs the remote half of an instance lifecycle over one
// reconnecting session. It is used by a single lifecycle goroutine, but the
// session is guarded so that the poller and collector may share it.
type Executor struct {
	dialer        Dialer
	handle        fleet.Handle
	layout        Layout
	backoff       wait.Backoff
	launchRetries int
	launchDelay   time.Duration
	launchSettle  time.Duration
	log           *qlog.Logger
	onDialRetry   func()

	mu      sync.Mutex
	session Session
}

// ExecutorOption configures an Executor
type ExecutorOption func(*Executor)

// WithLayout overrides the remote file layout.
func WithLayout(l Layout) ExecutorOption {
	return func(e *Executor) { e.layout = l }
}

// WithDialBackoff overrides the connect retry budget.
func WithDialBackoff(b wait.Backoff) ExecutorOption {
	return func(e *Executor) { e.backoff = b }
}

// WithLaunchRetries sets how many times a failed launch is retried and the
// pause between attempts.
func WithLaunchRetries(n int, delay time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.launchRetries = n
		e.launchDelay = delay
	}
}

// WithLaunchSettle sets how long a launched process must stay alive before
// the launch counts as confirmed.
func WithLaunchSettle(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.launchSettle = d }
}

// WithLogger sets the logger.
func WithLogger(l *qlog.Logger) ExecutorOption {
	return func(e *Executor) { e.log = l }
}

// WithDialRetryHook is called after every failed dial attempt.
func WithDialRetryHook(fn func()) ExecutorOption {
	return func(e *Executor) { e.onDialRetry = fn }
}

func NewExecutor(dialer Dialer, handle fleet.Handle, opts ...ExecutorOption) *Executor {
	e := &Executor{
		dialer:        dialer,
		handle:        handle,
		layout:        DefaultLayout(),
		backoff:       DefaultDialBackoff,
		launchRetries: 2,
		launchDelay:   time.Minute,
		launchSettle:  2 * time.Second,
		log:           qlog.NewDiscard(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Layout returns the remote file layout in use.
func (e *Executor) Layout() Layout {
	return e.layout
}

// Home returns the remote home directory.
func (e *Executor) Home() string {
	return e.handle.Home()
}

// Connect establishes the session, retrying with exponential backoff while
// the instance boots. Exhausting the budget yields a connection error.
func (e *Executor) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		return nil
	}

	attempt := 0
	var lastErr error
	err := wait.ExponentialBackoffWithContext(ctx, e.backoff, func(ctx context.Context) (bool, error) {
		attempt++
		s, err := e.dialer.Dial(ctx, e.handle)
		if err == nil {
			e.session = s
			return true, nil
		}
		lastErr = err
		if IsPermanent(err) {
			return false, err
		}
		if e.onDialRetry != nil {
			e.onDialRetry()
		}
		e.log.Debug("instance not reachable yet", "attempt", attempt, "error", err)
		return false, nil
	})
	if err == nil {
		e.log.Debug("connected", "host", e.handle.Host, "attempts", attempt)
		return nil
	}
	if ctx.Err() != nil {
		return qerr.New(qerr.CodeCancelled, ctx.Err())
	}
	if lastErr == nil {
		lastErr = err
	}
	e.log.Warn("giving up on connection", "attempts", attempt, "error", lastErr)
	return qerr.New(qerr.CodeConnection, fmt.Errorf("connect to %s after %d attempts: %w", e.handle.InstanceID, attempt, lastErr))
}

// redial replaces a broken session with a single dial attempt.
func (e *Executor) redial(ctx context.Context) (Session, error) {
	if e.session != nil {
		e.session.Close()
		e.session = nil
	}
	s, err := e.dialer.Dial(ctx, e.handle)
	if err != nil {
		if e.onDialRetry != nil {
			e.onDialRetry()
		}
		return nil, err
	}
	e.session = s
	return s, nil
}

// do runs fn against the session. A transport failure triggers one redial and
// one retry; command failures are returned as is.
func (e *Executor) do(ctx context.Context, fn func(Session) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.session
	if s == nil {
		var err error
		if s, err = e.redial(ctx); err != nil {
			return qerr.New(qerr.CodeConnection, err)
		}
	}
	err := fn(s)
	if err == nil || isExit(err) || ctx.Err() != nil {
		return err
	}

	e.log.Debug("session broken, redialing", "error", err)
	if s, err = e.redial(ctx); err != nil {
		return qerr.New(qerr.CodeConnection, err)
	}
	return fn(s)
}

// doOnce runs fn without the redial and retry of do. A transport failure
// drops the session so that the next call dials afresh.
func (e *Executor) doOnce(ctx context.Context, fn func(Session) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.session
	if s == nil {
		var err error
		if s, err = e.redial(ctx); err != nil {
			return qerr.New(qerr.CodeConnection, err)
		}
	}
	err := fn(s)
	if err != nil && !isExit(err) && ctx.Err() == nil {
		e.log.Debug("session broken, dropping it", "error", err)
		s.Close()
		e.session = nil
	}
	return err
}

// Run executes a shell command on the instance.
func (e *Executor) Run(ctx context.Context, cmd string) (string, error) {
	var out string
	err := e.do(ctx, func(s Session) error {
		var err error
		out, err = s.Run(ctx, cmd)
		return err
	})
	return out, err
}

// Download copies a remote file or directory into localDir.
func (e *Executor) Download(ctx context.Context, remotePath, localDir string) ([]string, error) {
	var files []string
	err := e.do(ctx, func(s Session) error {
		var err error
		files, err = s.Download(ctx, remotePath, localDir)
		return err
	})
	return files, err
}

// Upload copies local files to the instance. Relative remote directories are
// resolved against the remote home.
func (e *Executor) Upload(ctx context.Context, files []fleet.UploadFile) error {
	for _, f := range files {
		dest := path.Join(Resolve(e.Home(), f.RemoteDir), path.Base(f.Local))
		if err := e.uploadFile(ctx, f.Local, dest, 0o644); err != nil {
			return qerr.New(qerr.CodeRemoteExecution, fmt.Errorf("upload %s: %w", f.Local, err))
		}
		e.log.Debug("uploaded file", "local", f.Local, "remote", dest)
	}
	return nil
}

func (e *Executor) uploadFile(ctx context.Context, local, remotePath string, mode os.FileMode) error {
	data, err := os.ReadFile(local)
	if err != nil {
		return err
	}
	return e.do(ctx, func(s Session) error {
		return s.Write(ctx, remotePath, bytes.NewReader(data), mode)
	})
}

// MarkerExists reports whether a marker file is present on the instance.
func (e *Executor) MarkerExists(ctx context.Context, marker string) (bool, error) {
	out, err := e.Run(ctx, fmt.Sprintf("if [ -f %s ]; then echo present; else echo absent; fi", shellQuote(marker)))
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "present", nil
}

// Launch uploads the config file and rendered run script for run index and
// starts the script detached from the session. The completion marker of a
// previous run is removed first. Failed launches are retried.
func (e *Executor) Launch(ctx context.Context, index int, rc fleet.RunConfig, scriptTemplate string) error {
	home := e.Home()
	remoteConfig := ""
	if rc.ConfigFile != "" {
		remoteConfig = path.Join(home, path.Base(rc.ConfigFile))
	}
	script, err := RenderRunScript(scriptTemplate, scriptData(index, rc, home, remoteConfig, e.layout))
	if err != nil {
		return qerr.New(qerr.CodeRemoteExecution, err)
	}

	scriptPath := Resolve(home, e.layout.ScriptName)
	nohupLog := Resolve(home, e.layout.NohupLog)
	pidFile := shellQuote(Resolve(home, e.layout.PidFile))
	marker := shellQuote(e.layout.CompletionMarker)
	cmd := fmt.Sprintf("rm -f %s %s && chmod +x %s && { nohup bash %s > %s 2>&1 < /dev/null & echo $! > %s; cat %s; }",
		marker, pidFile, shellQuote(scriptPath), shellQuote(scriptPath), shellQuote(nohupLog), pidFile, pidFile)

	attempt := 0
	sent := false
	var lastErr error
	fail := func(err error) (bool, error) {
		lastErr = err
		e.log.Warn("launch attempt failed", "run", index, "attempt", attempt, "error", err)
		return false, nil
	}
	backoff := wait.Backoff{Duration: e.launchDelay, Factor: 1, Steps: max(e.launchRetries+1, 1)}
	err = wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		attempt++
		// The reply to an earlier launch may have been lost after the
		// process started.
		if sent {
			if pid, ok := e.runningPID(ctx, pidFile); ok {
				e.log.Info("run launched", "run", index, "name", rc.Name, "pid", pid, "recovered", true)
				return true, nil
			}
		}
		if remoteConfig != "" {
			if err := e.uploadFile(ctx, rc.ConfigFile, remoteConfig, 0o644); err != nil {
				// A missing local file will not appear on retry.
				if os.IsNotExist(err) {
					return false, err
				}
				return fail(fmt.Errorf("upload config: %w", err))
			}
		}
		if err := e.do(ctx, func(s Session) error {
			return s.Write(ctx, scriptPath, bytes.NewReader(script), 0o755)
		}); err != nil {
			return fail(fmt.Errorf("upload run script: %w", err))
		}

		var out string
		sent = true
		if err := e.doOnce(ctx, func(s Session) error {
			var err error
			out, err = s.Run(ctx, cmd)
			return err
		}); err != nil {
			return fail(fmt.Errorf("start run script: %w", err))
		}
		pid, err := strconv.Atoi(strings.TrimSpace(lastLine(out)))
		if err != nil || pid <= 0 {
			return fail(fmt.Errorf("unexpected launch output %q", strings.TrimSpace(out)))
		}
		alive, err := e.confirm(ctx, pid)
		if err != nil {
			return fail(fmt.Errorf("check run process %d: %w", pid, err))
		}
		if !alive {
			return fail(fmt.Errorf("run process %d exited right after launch, see %s", pid, nohupLog))
		}
		e.log.Info("run launched", "run", index, "name", rc.Name, "pid", pid)
		return true, nil
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return qerr.New(qerr.CodeCancelled, ctx.Err())
	}
	if lastErr == nil {
		lastErr = err
	}
	return qerr.New(qerr.CodeRemoteExecution, fmt.Errorf("launch run %d after %d attempts: %w", index, attempt, lastErr))
}

// confirm waits for the launch to settle and reports whether process pid is
// still alive. A run that already wrote its completion marker counts as
// alive.
func (e *Executor) confirm(ctx context.Context, pid int) (bool, error) {
	if e.launchSettle > 0 {
		t := time.NewTimer(e.launchSettle)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-t.C:
		}
	}
	cmd := fmt.Sprintf("kill -0 %d 2>/dev/null && echo alive || { [ -f %s ] && echo alive || echo dead; }",
		pid, shellQuote(e.layout.CompletionMarker))
	out, err := e.Run(ctx, cmd)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "alive", nil
}

// runningPID reads the PID recorded by an earlier launch and reports it if
// that process is still alive.
func (e *Executor) runningPID(ctx context.Context, pidFile string) (int, bool) {
	out, err := e.Run(ctx, fmt.Sprintf("pid=$(cat %s 2>/dev/null) && kill -0 \"$pid\" 2>/dev/null && echo \"$pid\"; true", pidFile))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(out))
	return pid, err == nil && pid > 0
}

// Handoff archives the outputs of run prevIndex so the next run starts from
// a clean results area.
func (e *Executor) Handoff(ctx context.Context, prevIndex int) error {
	home := e.Home()
	archive := shellQuote(path.Join(Resolve(home, e.layout.ArchiveDir), fmt.Sprintf("run-%d", prevIndex)))
	cmd := fmt.Sprintf(
		"cd %s && mkdir -p %s && for d in %s; do if [ -e \"$d\" ]; then mv \"$d\" %s/; fi; done; if [ -f %s ]; then mv %s %s/; fi; rm -f %s; true",
		shellQuote(home), archive, e.layout.ResultsGlob, archive,
		shellQuote(Resolve(home, e.layout.LogFile)), shellQuote(Resolve(home, e.layout.LogFile)), archive,
		shellQuote(Resolve(home, e.layout.PidFile)),
	)
	if _, err := e.Run(ctx, cmd); err != nil {
		return qerr.New(qerr.CodeRemoteExecution, fmt.Errorf("archive run %d outputs: %w", prevIndex, err))
	}
	return nil
}

// Close ends the session.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	err := e.session.Close()
	e.session = nil
	return err
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
