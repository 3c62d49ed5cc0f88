package kube

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
	utilexec "k8s.io/client-go/util/exec"

	"github.com/quatton/qbench/pkg/remote"
)

// streamFunc runs cmd in a container, wiring the given streams.
type streamFunc func(ctx context.Context, namespace, pod, container string, cmd []string, stdin io.Reader, stdout, stderr io.Writer) error

func spdyStream(client kubernetes.Interface, config *rest.Config) streamFunc {
	return func(ctx context.Context, namespace, pod, container string, cmd []string, stdin io.Reader, stdout, stderr io.Writer) error {
		if config == nil {
			return errors.New("kubernetes rest config is not initialized")
		}
		req := client.CoreV1().RESTClient().Post().
			Resource("pods").
			Name(pod).
			Namespace(namespace).
			SubResource("exec")

		req.VersionedParams(&corev1.PodExecOptions{
			Container: container,
			Command:   cmd,
			Stdin:     stdin != nil,
			Stdout:    true,
			Stderr:    true,
			TTY:       false,
		}, scheme.ParameterCodec)

		exec, err := remotecommand.NewSPDYExecutor(config, "POST", req.URL())
		if err != nil {
			return err
		}
		return exec.StreamWithContext(ctx, remotecommand.StreamOptions{
			Stdin:  stdin,
			Stdout: stdout,
			Stderr: stderr,
			Tty:    false,
		})
	}
}

// Session executes commands in one pod container. Every call opens its own
// exec stream, so Close has nothing to release.
type Session struct {
	stream    streamFunc
	namespace string
	pod       string
	container string
}

func (s *Session) exec(ctx context.Context, cmd string, stdin io.Reader, stdout, stderr io.Writer) error {
	return s.stream(ctx, s.namespace, s.pod, s.container, []string{"/bin/sh", "-c", cmd}, stdin, stdout, stderr)
}

func (s *Session) Run(ctx context.Context, cmd string) (string, error) {
	var out lockedBuffer
	err := s.exec(ctx, cmd, nil, &out, &out)
	return out.String(), exitError(err, out.String())
}

func (s *Session) Write(ctx context.Context, remotePath string, r io.Reader, mode os.FileMode) error {
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s && chmod %o %s",
		quote(path.Dir(remotePath)), quote(remotePath), mode.Perm(), quote(remotePath))
	var stderr bytes.Buffer
	if err := s.exec(ctx, cmd, r, io.Discard, &stderr); err != nil {
		return exitError(err, stderr.String())
	}
	return nil
}

// Download streams remotePath as a tar archive and unpacks it under
// localDir.
func (s *Session) Download(ctx context.Context, remotePath, localDir string) ([]string, error) {
	remotePath = path.Clean(remotePath)
	cmd := fmt.Sprintf("tar cf - -C %s %s", quote(path.Dir(remotePath)), quote(path.Base(remotePath)))

	pr, pw := io.Pipe()
	var stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		err := s.exec(ctx, cmd, nil, pw, &stderr)
		pw.CloseWithError(err)
		done <- err
	}()

	files, untarErr := untar(pr, localDir)
	// Drain so the stream goroutine can finish after an extraction error.
	io.Copy(io.Discard, pr) //nolint:errcheck
	if err := <-done; err != nil {
		return files, exitError(err, stderr.String())
	}
	return files, untarErr
}

func (s *Session) Close() error {
	return nil
}

var _ remote.Session = (*Session)(nil)

func untar(r io.Reader, localDir string) ([]string, error) {
	var files []string
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return files, err
		}
		target := filepath.Join(localDir, filepath.FromSlash(hdr.Name))
		if !strings.HasPrefix(target, filepath.Clean(localDir)+string(os.PathSeparator)) {
			return files, fmt.Errorf("archive entry %q escapes %s", hdr.Name, localDir)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr); err != nil {
				return files, err
			}
			files = append(files, target)
		}
	}
}

func writeFile(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// exitError maps a non-zero exit to *remote.ExitError so that the executor
// treats it as a command failure rather than a broken session.
func exitError(err error, output string) error {
	if err == nil {
		return nil
	}
	var exitErr utilexec.ExitError
	if errors.As(err, &exitErr) && exitErr.Exited() {
		return &remote.ExitError{Code: exitErr.ExitStatus(), Output: output}
	}
	return err
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// lockedBuffer collects stdout and stderr, which are written concurrently.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
