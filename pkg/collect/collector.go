// Package collect downloads run outputs from instances into the local
// results tree and optionally mirrors them to object storage.
package collect

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/quatton/qbench/pkg/fleet"
	"github.com/quatton/qbench/pkg/qart"
	"github.com/quatton/qbench/pkg/qerr"
	"github.com/quatton/qbench/pkg/qlog"
	"github.com/quatton/qbench/pkg/remote"
)

// Fetcher reads files from an instance. *remote.Executor implements it.
type Fetcher interface {
	Run(ctx context.Context, cmd string) (string, error)
	Download(ctx context.Context, remotePath, localDir string) ([]string, error)
	Home() string
	Layout() remote.Layout
}

// Collector lays results out as <resultsDir>/<orchestration>/<spec>/run-<i>.
type Collector struct {
	resultsDir string
	mirror     qart.Store
	log        *qlog.Logger
}

// Option configures a Collector
type Option func(*Collector)

// WithMirror uploads every collected file to store.
func WithMirror(store qart.Store) Option {
	return func(c *Collector) { c.mirror = store }
}

// WithLogger sets the logger.
func WithLogger(l *qlog.Logger) Option {
	return func(c *Collector) { c.log = l }
}

func New(resultsDir string, opts ...Option) *Collector {
	c := &Collector{resultsDir: resultsDir, log: qlog.NewDiscard()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunDir returns the local directory for one run's artifacts.
func (c *Collector) RunDir(orchestrationID, specID string, index int) string {
	return filepath.Join(c.resultsDir, orchestrationID, specID, "run-"+strconv.Itoa(index))
}

// Collect downloads the results directories and the run log of a succeeded
// attempt. Files that were retrieved are returned even when err reports that
// others were not.
func (c *Collector) Collect(ctx context.Context, f Fetcher, inst *fleet.Instance, attempt fleet.RunAttempt) ([]string, error) {
	dir := c.RunDir(inst.OrchestrationID, inst.Spec.ID, attempt.Index)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, qerr.New(qerr.CodeCollection, fmt.Errorf("failed to create %s: %w", dir, err))
	}
	layout := f.Layout()
	home := f.Home()

	var paths []string
	var errs []error

	out, err := f.Run(ctx, fmt.Sprintf("ls -1d %s/%s 2>/dev/null || true", shellQuote(home), layout.ResultsGlob))
	if err != nil {
		errs = append(errs, fmt.Errorf("list results: %w", err))
	}
	remoteDirs := strings.Fields(out)
	if err == nil && len(remoteDirs) == 0 {
		errs = append(errs, fmt.Errorf("no results matching %s in %s", layout.ResultsGlob, home))
	}
	for _, rd := range remoteDirs {
		got, err := f.Download(ctx, rd, dir)
		paths = append(paths, got...)
		if err != nil {
			errs = append(errs, fmt.Errorf("download %s: %w", rd, err))
		}
	}

	logPath, err := c.fetchLog(ctx, f, dir)
	if err != nil {
		errs = append(errs, err)
	} else {
		paths = append(paths, logPath)
	}

	if c.mirror != nil {
		if err := c.upload(ctx, inst, attempt.Index, dir, paths); err != nil {
			errs = append(errs, err)
		}
	}

	c.log.Info("collected run outputs", "instance", inst.Spec.ID, "run", attempt.Index, "files", len(paths))
	if err := errors.Join(errs...); err != nil {
		return paths, qerr.New(qerr.CodeCollection, err)
	}
	return paths, nil
}

// CollectLog fetches only the run log. It is used for attempts that did not
// succeed, where results are not expected.
func (c *Collector) CollectLog(ctx context.Context, f Fetcher, inst *fleet.Instance, attempt fleet.RunAttempt) (string, error) {
	dir := c.RunDir(inst.OrchestrationID, inst.Spec.ID, attempt.Index)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", qerr.New(qerr.CodeCollection, err)
	}
	p, err := c.fetchLog(ctx, f, dir)
	if err != nil {
		return "", qerr.New(qerr.CodeCollection, err)
	}
	return p, nil
}

func (c *Collector) fetchLog(ctx context.Context, f Fetcher, dir string) (string, error) {
	remoteLog := remote.Resolve(f.Home(), f.Layout().LogFile)
	got, err := f.Download(ctx, remoteLog, dir)
	if err != nil {
		return "", fmt.Errorf("download log %s: %w", remoteLog, err)
	}
	if len(got) == 0 {
		return "", fmt.Errorf("log %s is empty", remoteLog)
	}
	return got[0], nil
}

func (c *Collector) upload(ctx context.Context, inst *fleet.Instance, index int, dir string, paths []string) error {
	var errs []error
	for _, p := range paths {
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rel = filepath.ToSlash(rel)
		key := qart.RunArtifactKey(inst.OrchestrationID, inst.Spec.ID, index, rel)
		if err := c.uploadFile(ctx, key, p, inst, index); err != nil {
			errs = append(errs, fmt.Errorf("mirror %s: %w", rel, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Collector) uploadFile(ctx context.Context, key, local string, inst *fleet.Instance, index int) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return err
	}
	contentType := mime.TypeByExtension(path.Ext(local))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err = c.mirror.Upload(ctx, key, f, stat.Size(), contentType, map[string]string{
		"orchestration": inst.OrchestrationID,
		"instance":      inst.Spec.ID,
		"run":           strconv.Itoa(index),
	})
	return err
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
