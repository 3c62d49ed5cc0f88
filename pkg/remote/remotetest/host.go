// Package remotetest provides an in-memory remote host for tests.
package remotetest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/quatton/qbench/pkg/fleet"
	"github.com/quatton/qbench/pkg/remote"
)

var (
	// ErrUnreachable is returned by dials that are configured to fail.
	ErrUnreachable = errors.New("remotetest: host unreachable")
	// ErrConnectionLost is returned by commands whose reply was dropped.
	ErrConnectionLost = errors.New("remotetest: connection lost")
)

// Host simulates one instance: a flat file map plus just enough shell to
// understand the commands the executor, poller and collector send.
type Host struct {
	mu sync.Mutex

	Files map[string][]byte

	// FailDials makes the first n dials fail.
	FailDials int
	// FailLaunches makes the first n launch commands exit non-zero.
	FailLaunches int
	// DeadLaunches makes the processes of the first n launches exit at once
	// without writing the completion marker.
	DeadLaunches int
	// DropLaunchReplies starts the first n launches but loses the reply.
	DropLaunchReplies int
	// StallWrites blocks every file write until its context ends.
	StallWrites bool
	// CompleteAfter is the number of completion-marker checks after a launch
	// before the run finishes. Negative means never.
	CompleteAfter int
	// Results are files (relative to home) a finished run leaves behind.
	Results map[string]string

	Home             string
	CompletionMarker string

	Dials       int
	Launches    []string
	Handoffs    int
	Commands    []string
	checksSince int
	running     bool
	alive       bool
	pid         int
}

// NewHost returns a host whose runs complete on the first check.
func NewHost(home string) *Host {
	layout := remote.DefaultLayout()
	return &Host{
		Files:            map[string][]byte{},
		Home:             home,
		CompletionMarker: layout.CompletionMarker,
		Results: map[string]string{
			"results-bench/summary.csv": "latency,throughput\n1,2\n",
			"fmbench.log":               "done\n",
		},
	}
}

// Dialer returns a dialer that opens sessions on h.
func (h *Host) Dialer() remote.Dialer {
	return remote.DialerFunc(func(ctx context.Context, _ fleet.Handle) (remote.Session, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.Dials++
		if h.FailDials > 0 {
			h.FailDials--
			return nil, ErrUnreachable
		}
		return &session{host: h}, nil
	})
}

// Touch creates a file.
func (h *Host) Touch(p string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Files[p] = nil
}

// Exists reports whether a file exists.
func (h *Host) Exists(p string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.Files[p]
	return ok
}

// LaunchCount returns the number of launch commands that started a process.
func (h *Host) LaunchCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.Launches)
}

type session struct {
	host   *Host
	closed bool
}

func (s *session) Run(ctx context.Context, cmd string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	h := s.host
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Commands = append(h.Commands, cmd)

	switch {
	case strings.HasPrefix(cmd, "if [ -f "):
		marker := unquote(strings.Fields(cmd)[3])
		if marker == h.CompletionMarker && h.running {
			h.checksSince++
			if h.CompleteAfter >= 0 && h.checksSince > h.CompleteAfter {
				h.finishRun()
			}
		}
		if _, ok := h.Files[marker]; ok {
			return "present\n", nil
		}
		return "absent\n", nil

	case strings.HasPrefix(cmd, "kill -0 "):
		if _, ok := h.Files[h.CompletionMarker]; ok || h.alive {
			return "alive\n", nil
		}
		return "dead\n", nil

	case strings.HasPrefix(cmd, "pid=$(cat "):
		if h.alive {
			return fmt.Sprintf("%d\n", h.pid), nil
		}
		return "", nil

	case strings.Contains(cmd, "nohup bash"):
		if h.FailLaunches > 0 {
			h.FailLaunches--
			return "", &remote.ExitError{Code: 1, Output: "launch failed"}
		}
		delete(h.Files, h.CompletionMarker)
		h.Launches = append(h.Launches, cmd)
		h.pid = 4241 + len(h.Launches)
		h.running = true
		h.alive = true
		h.checksSince = 0
		if h.DeadLaunches > 0 {
			h.DeadLaunches--
			h.running = false
			h.alive = false
		}
		if h.DropLaunchReplies > 0 {
			h.DropLaunchReplies--
			return "", ErrConnectionLost
		}
		return fmt.Sprintf("%d\n", h.pid), nil

	case strings.Contains(cmd, "mkdir -p") && strings.Contains(cmd, "mv "):
		h.Handoffs++
		for p := range h.Files {
			if strings.HasPrefix(p, path.Join(h.Home, "results-")) || p == path.Join(h.Home, "fmbench.log") {
				delete(h.Files, p)
			}
		}
		return "", nil

	case strings.HasPrefix(cmd, "ls -1d "):
		pattern := unquote(strings.Fields(cmd)[2])
		seen := map[string]bool{}
		for p := range h.Files {
			dir := path.Dir(p)
			for dir != "/" && dir != "." {
				if ok, _ := path.Match(pattern, dir); ok {
					seen[dir] = true
				}
				dir = path.Dir(dir)
			}
		}
		var dirs []string
		for d := range seen {
			dirs = append(dirs, d)
		}
		sort.Strings(dirs)
		if len(dirs) == 0 {
			return "", nil
		}
		return strings.Join(dirs, "\n") + "\n", nil
	}
	return "", nil
}

func (h *Host) finishRun() {
	h.running = false
	h.alive = false
	h.Files[h.CompletionMarker] = nil
	for rel, content := range h.Results {
		h.Files[path.Join(h.Home, rel)] = []byte(content)
	}
}

func (s *session) Write(ctx context.Context, remotePath string, r io.Reader, _ os.FileMode) error {
	s.host.mu.Lock()
	stall := s.host.StallWrites
	s.host.mu.Unlock()
	if stall {
		<-ctx.Done()
		return ctx.Err()
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.host.mu.Lock()
	defer s.host.mu.Unlock()
	s.host.Files[remotePath] = data
	return nil
}

func (s *session) Download(ctx context.Context, remotePath, localDir string) ([]string, error) {
	h := s.host
	h.mu.Lock()
	defer h.mu.Unlock()

	var written []string
	parent := path.Dir(remotePath)
	for p, data := range h.Files {
		if p != remotePath && !strings.HasPrefix(p, remotePath+"/") {
			continue
		}
		rel := strings.TrimPrefix(p, parent+"/")
		local := filepath.Join(localDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			return written, err
		}
		if err := os.WriteFile(local, data, 0o644); err != nil {
			return written, err
		}
		written = append(written, local)
	}
	if len(written) == 0 {
		return nil, fmt.Errorf("%s: %w", remotePath, os.ErrNotExist)
	}
	sort.Strings(written)
	return written, nil
}

func (s *session) Close() error {
	s.closed = true
	return nil
}

func unquote(s string) string {
	return strings.ReplaceAll(s, "'", "")
}
