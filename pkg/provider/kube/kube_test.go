package kube

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
	utilexec "k8s.io/client-go/util/exec"

	"github.com/quatton/qbench/pkg/fleet"
	"github.com/quatton/qbench/pkg/provider"
	"github.com/quatton/qbench/pkg/remote"
)

func newTestProvider(t *testing.T, stream streamFunc) (*Provider, *fake.Clientset) {
	t.Helper()
	client := fake.NewSimpleClientset()
	p := New(client, nil, "bench",
		WithPolling(10*time.Millisecond, time.Second),
		withStream(stream),
	)
	return p, client
}

func testSpec() fleet.InstanceSpec {
	return fleet.InstanceSpec{
		ID:       "GPU_a",
		Provider: fleet.ProviderKubernetes,
		Compute: fleet.ComputeSpec{
			InstanceType: "cpu=2,memory=4Gi",
			Image:        "ubuntu:22.04",
			Storage:      fleet.StorageSpec{VolumeSizeGiB: 20},
		},
	}
}

func setRunning(t *testing.T, client *fake.Clientset, ns, name string) {
	t.Helper()
	ctx := context.Background()
	pod, err := client.CoreV1().Pods(ns).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		t.Fatal(err)
	}
	pod.Status.Phase = corev1.PodRunning
	pod.Status.PodIP = "10.1.2.3"
	if _, err := client.CoreV1().Pods(ns).UpdateStatus(ctx, pod, metav1.UpdateOptions{}); err != nil {
		t.Fatal(err)
	}
}

func TestCreateInstanceBuildsPod(t *testing.T) {
	p, client := newTestProvider(t, nil)
	ctx := context.Background()

	name, err := p.CreateInstance(ctx, provider.CreateRequest{
		Spec:          testSpec(),
		NetworkRuleID: "qbench-bench",
		StartupScript: "apt-get update",
		Tags:          map[string]string{"Name": "GPU_a", "qbench/orchestration": "o-1"},
	})
	if err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	if !strings.HasPrefix(name, "qbench-gpu-a-") {
		t.Errorf("pod name = %q", name)
	}

	pod, err := client.CoreV1().Pods("bench").Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if pod.Labels[ManagedByLabel] != ManagedBy || pod.Labels[SpecLabel] != "GPU_a" || pod.Labels["qbench/orchestration"] != "o-1" {
		t.Errorf("labels = %v", pod.Labels)
	}
	c := pod.Spec.Containers[0]
	if c.Image != "ubuntu:22.04" {
		t.Errorf("image = %q", c.Image)
	}
	script := c.Command[2]
	if !strings.Contains(script, "apt-get update\n") || !strings.Contains(script, "touch /tmp/startup_complete.flag") {
		t.Errorf("boot command = %q", script)
	}
	if got := c.Resources.Limits[corev1.ResourceMemory]; got.Cmp(resource.MustParse("4Gi")) != 0 {
		t.Errorf("memory limit = %s", got.String())
	}
	if got := c.Resources.Requests[corev1.ResourceEphemeralStorage]; got.Cmp(resource.MustParse("20Gi")) != 0 {
		t.Errorf("ephemeral storage = %s", got.String())
	}
	if _, ok := c.Resources.Limits[corev1.ResourceEphemeralStorage]; ok {
		t.Error("ephemeral storage should only be requested")
	}
}

func TestCreateInstanceRejectsBadResources(t *testing.T) {
	p, _ := newTestProvider(t, nil)
	spec := testSpec()
	spec.Compute.InstanceType = "cpu=lots"
	if _, err := p.CreateInstance(context.Background(), provider.CreateRequest{Spec: spec}); err == nil {
		t.Fatal("expected error for invalid quantity")
	}
}

func TestWaitRunningAndTerminate(t *testing.T) {
	p, client := newTestProvider(t, nil)
	ctx := context.Background()

	name, err := p.CreateInstance(ctx, provider.CreateRequest{Spec: testSpec()})
	if err != nil {
		t.Fatal(err)
	}
	setRunning(t, client, "bench", name)

	h, err := p.WaitRunning(ctx, "", name)
	if err != nil {
		t.Fatalf("WaitRunning() error = %v", err)
	}
	if h.Host != "10.1.2.3" || h.User != "root" || h.Namespace != "bench" || h.Home() != "/root" {
		t.Errorf("handle = %+v", h)
	}

	if err := p.Terminate(ctx, "", name); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Describe(ctx, "", name); !errors.Is(err, provider.ErrNotFound) {
		t.Errorf("Describe() after terminate error = %v, want ErrNotFound", err)
	}
	// Terminating twice is fine.
	if err := p.Terminate(ctx, "", name); err != nil {
		t.Errorf("second Terminate() error = %v", err)
	}
}

func TestWaitRunningFailsOnExitedPod(t *testing.T) {
	p, client := newTestProvider(t, nil)
	ctx := context.Background()
	name, _ := p.CreateInstance(ctx, provider.CreateRequest{Spec: testSpec()})

	pod, _ := client.CoreV1().Pods("bench").Get(ctx, name, metav1.GetOptions{})
	pod.Status.Phase = corev1.PodFailed
	client.CoreV1().Pods("bench").UpdateStatus(ctx, pod, metav1.UpdateOptions{})

	if _, err := p.WaitRunning(ctx, "", name); err == nil || !strings.Contains(err.Error(), "Failed") {
		t.Fatalf("WaitRunning() error = %v", err)
	}
}

func TestEnsureNetworkRule(t *testing.T) {
	p, client := newTestProvider(t, nil)
	ctx := context.Background()

	if _, err := p.EnsureNetworkRule(ctx, "lab", "qbench-lab", false); !errors.Is(err, provider.ErrNotFound) {
		t.Fatalf("lookup without create error = %v, want ErrNotFound", err)
	}
	id, err := p.EnsureNetworkRule(ctx, "lab", "qbench-lab", true)
	if err != nil || id != "qbench-lab" {
		t.Fatalf("EnsureNetworkRule() = %q, %v", id, err)
	}
	again, err := p.EnsureNetworkRule(ctx, "lab", "qbench-lab", true)
	if err != nil || again != id {
		t.Fatalf("second EnsureNetworkRule() = %q, %v", again, err)
	}

	policy, err := client.NetworkingV1().NetworkPolicies("lab").Get(ctx, id, metav1.GetOptions{})
	if err != nil {
		t.Fatal(err)
	}
	ports := policy.Spec.Ingress[0].Ports
	if len(ports) != 2 || ports[0].Port.IntValue() != 22 || ports[1].Port.IntValue() != 80 {
		t.Errorf("ports = %+v", ports)
	}
}

func TestDialRequiresRunningPod(t *testing.T) {
	p, client := newTestProvider(t, nil)
	ctx := context.Background()
	name, _ := p.CreateInstance(ctx, provider.CreateRequest{Spec: testSpec()})
	h := fleet.Handle{InstanceID: name, Namespace: "bench"}

	if _, err := p.Dialer().Dial(ctx, h); err == nil || remote.IsPermanent(err) {
		t.Fatalf("dial to pending pod error = %v, want retryable error", err)
	}
	setRunning(t, client, "bench", name)
	if _, err := p.Dialer().Dial(ctx, h); err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	if _, err := p.Dialer().Dial(ctx, fleet.Handle{InstanceID: "gone", Namespace: "bench"}); !remote.IsPermanent(err) {
		t.Errorf("dial to missing pod error = %v, want permanent", err)
	}
}

type recordedExec struct {
	cmd   string
	stdin string
}

func TestSessionRunAndWrite(t *testing.T) {
	var calls []recordedExec
	stream := func(_ context.Context, ns, pod, container string, cmd []string, stdin io.Reader, stdout, stderr io.Writer) error {
		rec := recordedExec{cmd: cmd[2]}
		if stdin != nil {
			data, _ := io.ReadAll(stdin)
			rec.stdin = string(data)
		}
		calls = append(calls, rec)
		if strings.HasPrefix(rec.cmd, "false") {
			io.WriteString(stderr, "nope")
			return utilexec.CodeExitError{Err: errors.New("command terminated with exit code 1"), Code: 1}
		}
		io.WriteString(stdout, "ok\n")
		return nil
	}
	s := &Session{stream: stream, namespace: "bench", pod: "p", container: ContainerName}
	ctx := context.Background()

	out, err := s.Run(ctx, "echo ok")
	if err != nil || out != "ok\n" {
		t.Fatalf("Run() = %q, %v", out, err)
	}

	_, err = s.Run(ctx, "false")
	var exitErr *remote.ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 1 || exitErr.Output != "nope" {
		t.Fatalf("Run(false) error = %v", err)
	}

	if err := s.Write(ctx, "/root/run_bench.sh", strings.NewReader("#!/bin/bash\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	last := calls[len(calls)-1]
	if last.cmd != "mkdir -p '/root' && cat > '/root/run_bench.sh' && chmod 755 '/root/run_bench.sh'" {
		t.Errorf("write command = %q", last.cmd)
	}
	if last.stdin != "#!/bin/bash\n" {
		t.Errorf("write stdin = %q", last.stdin)
	}
}

func TestSessionDownloadUnpacksTar(t *testing.T) {
	var archive bytes.Buffer
	tw := tar.NewWriter(&archive)
	tw.WriteHeader(&tar.Header{Name: "results-1/", Typeflag: tar.TypeDir, Mode: 0o755})
	body := "a,b\n1,2\n"
	tw.WriteHeader(&tar.Header{Name: "results-1/metrics.csv", Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(body))})
	tw.Write([]byte(body))
	tw.Close()

	var gotCmd string
	stream := func(_ context.Context, _, _, _ string, cmd []string, _ io.Reader, stdout, _ io.Writer) error {
		gotCmd = cmd[2]
		_, err := stdout.Write(archive.Bytes())
		return err
	}
	s := &Session{stream: stream}
	dir := t.TempDir()

	files, err := s.Download(context.Background(), "/root/results-1", dir)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if gotCmd != "tar cf - -C '/root' 'results-1'" {
		t.Errorf("command = %q", gotCmd)
	}
	want := filepath.Join(dir, "results-1", "metrics.csv")
	if len(files) != 1 || files[0] != want {
		t.Fatalf("files = %v", files)
	}
	data, err := os.ReadFile(want)
	if err != nil || string(data) != body {
		t.Errorf("content = %q, %v", data, err)
	}
}

func TestUntarRejectsTraversal(t *testing.T) {
	var archive bytes.Buffer
	tw := tar.NewWriter(&archive)
	tw.WriteHeader(&tar.Header{Name: "../evil", Typeflag: tar.TypeReg, Mode: 0o644, Size: 1})
	tw.Write([]byte("x"))
	tw.Close()

	if _, err := untar(&archive, t.TempDir()); err == nil {
		t.Fatal("expected traversal error")
	}
}

func TestParseResources(t *testing.T) {
	rr, err := parseResources("cpu=500m, nvidia.com/gpu=1")
	if err != nil {
		t.Fatal(err)
	}
	if got := rr.Requests["nvidia.com/gpu"]; got.Value() != 1 {
		t.Errorf("gpu = %s", got.String())
	}
	if got := rr.Limits[corev1.ResourceCPU]; got.MilliValue() != 500 {
		t.Errorf("cpu = %s", got.String())
	}
	if rr, err := parseResources(""); err != nil || rr.Requests != nil {
		t.Errorf("empty type = %+v, %v", rr, err)
	}
	if _, err := parseResources("cpu"); err == nil {
		t.Error("expected error for missing quantity")
	}
}
