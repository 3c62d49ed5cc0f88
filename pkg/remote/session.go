// Package remote drives benchmark workloads on provisioned instances through
// a Session: a shell plus file transfer on one host.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/quatton/qbench/pkg/fleet"
)

// Session is a live connection to one instance.
type Session interface {
	// Run executes cmd through a shell and returns its combined output.
	// A non-zero exit is reported as *ExitError.
	Run(ctx context.Context, cmd string) (string, error)

	// Write creates or replaces remotePath with the reader's content.
	// Missing parent directories are created.
	Write(ctx context.Context, remotePath string, r io.Reader, mode os.FileMode) error

	// Download copies remotePath (a file or a directory tree) into
	// localDir and returns the local paths of every file written.
	Download(ctx context.Context, remotePath, localDir string) ([]string, error)

	Close() error
}

// Dialer opens sessions to instances.
type Dialer interface {
	Dial(ctx context.Context, h fleet.Handle) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, h fleet.Handle) (Session, error)

func (f DialerFunc) Dial(ctx context.Context, h fleet.Handle) (Session, error) {
	return f(ctx, h)
}

// ExitError reports a remote command that ran but exited non-zero. The
// session itself is still healthy.
type ExitError struct {
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("remote command exited with status %d", e.Code)
}

// permanentError marks dial errors that retrying cannot fix, such as an
// unreadable private key.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so that dial retries stop immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// isExit reports whether err is a command failure rather than a transport
// failure.
func isExit(err error) bool {
	var e *ExitError
	return errors.As(err, &e)
}
