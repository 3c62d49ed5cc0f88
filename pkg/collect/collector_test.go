package collect_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/quatton/qbench/pkg/collect"
	"github.com/quatton/qbench/pkg/fleet"
	"github.com/quatton/qbench/pkg/qart"
	"github.com/quatton/qbench/pkg/qerr"
	"github.com/quatton/qbench/pkg/remote"
	"github.com/quatton/qbench/pkg/remote/remotetest"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    bool
}

func (m *memStore) Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string, md map[string]string) (*qart.Artifact, error) {
	if m.fail {
		return nil, errors.New("access denied")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[key] = data
	return &qart.Artifact{Key: key, Size: int64(len(data))}, nil
}

func (m *memStore) GetPresignedURL(context.Context, string, time.Duration) (string, error) {
	return "", qart.ErrNotFound
}

func (m *memStore) List(context.Context, string) ([]*qart.Artifact, error) { return nil, nil }
func (m *memStore) EnsureBucket(context.Context) error                   { return nil }

func finishedHost(t *testing.T) (*remotetest.Host, *remote.Executor) {
	h := remotetest.NewHost("/home/ubuntu")
	h.Touch("/home/ubuntu/results-bench/summary.csv")
	h.Files["/home/ubuntu/results-bench/summary.csv"] = []byte("a,b\n")
	h.Files["/home/ubuntu/results-bench/raw/0.json"] = []byte("{}")
	h.Files["/home/ubuntu/fmbench.log"] = []byte("ok\n")
	e := remote.NewExecutor(h.Dialer(), fleet.Handle{InstanceID: "i-1", User: "ubuntu"})
	return h, e
}

func instance() *fleet.Instance {
	return fleet.NewInstance("orch-1", fleet.InstanceSpec{ID: "g5", Runs: []fleet.RunConfig{{Name: "a"}, {Name: "b"}}})
}

func TestCollectDownloadsResultsAndLog(t *testing.T) {
	_, e := finishedHost(t)
	dir := t.TempDir()
	c := collect.New(dir)
	inst := instance()

	paths, err := c.Collect(context.Background(), e, inst, inst.Runs[1])
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	sort.Strings(paths)

	runDir := filepath.Join(dir, "orch-1", "g5", "run-1")
	want := []string{
		filepath.Join(runDir, "fmbench.log"),
		filepath.Join(runDir, "results-bench", "raw", "0.json"),
		filepath.Join(runDir, "results-bench", "summary.csv"),
	}
	sort.Strings(want)
	if len(paths) != len(want) {
		t.Fatalf("got %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("got %v, want %v", paths, want)
		}
	}
	data, err := os.ReadFile(filepath.Join(runDir, "results-bench", "summary.csv"))
	if err != nil || string(data) != "a,b\n" {
		t.Fatalf("unexpected content %q, %v", data, err)
	}
}

func TestCollectPartialFailureKeepsPaths(t *testing.T) {
	h, e := finishedHost(t)
	delete(h.Files, "/home/ubuntu/fmbench.log")
	c := collect.New(t.TempDir())
	inst := instance()

	paths, err := c.Collect(context.Background(), e, inst, inst.Runs[0])
	if !qerr.IsCode(err, qerr.CodeCollection) {
		t.Fatalf("expected collection error, got %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected the two result files, got %v", paths)
	}
}

func TestCollectNoResults(t *testing.T) {
	h := remotetest.NewHost("/home/ubuntu")
	h.Files["/home/ubuntu/fmbench.log"] = []byte("crashed\n")
	e := remote.NewExecutor(h.Dialer(), fleet.Handle{InstanceID: "i-1", User: "ubuntu"})
	inst := instance()

	paths, err := collect.New(t.TempDir()).Collect(context.Background(), e, inst, inst.Runs[0])
	if !qerr.IsCode(err, qerr.CodeCollection) {
		t.Fatalf("expected collection error, got %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("expected only the log, got %v", paths)
	}
}

func TestCollectMirrors(t *testing.T) {
	_, e := finishedHost(t)
	store := &memStore{}
	c := collect.New(t.TempDir(), collect.WithMirror(store))
	inst := instance()

	if _, err := c.Collect(context.Background(), e, inst, inst.Runs[0]); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	key := qart.RunArtifactKey("orch-1", "g5", 0, "results-bench/summary.csv")
	if string(store.objects[key]) != "a,b\n" {
		t.Fatalf("expected %s to be mirrored, have %v", key, store.objects)
	}
	if len(store.objects) != 3 {
		t.Fatalf("expected 3 mirrored objects, got %d", len(store.objects))
	}
}

func TestCollectMirrorFailureIsCollectionError(t *testing.T) {
	_, e := finishedHost(t)
	c := collect.New(t.TempDir(), collect.WithMirror(&memStore{fail: true}))
	inst := instance()

	paths, err := c.Collect(context.Background(), e, inst, inst.Runs[0])
	if !qerr.IsCode(err, qerr.CodeCollection) {
		t.Fatalf("expected collection error, got %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("local files should still be reported, got %v", paths)
	}
}

func TestCollectLog(t *testing.T) {
	_, e := finishedHost(t)
	c := collect.New(t.TempDir())
	inst := instance()

	p, err := c.CollectLog(context.Background(), e, inst, inst.Runs[0])
	if err != nil {
		t.Fatalf("CollectLog failed: %v", err)
	}
	if filepath.Base(p) != "fmbench.log" {
		t.Fatalf("unexpected path %s", p)
	}
}
