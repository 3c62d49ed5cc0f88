package provision_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quatton/qbench/pkg/fleet"
	"github.com/quatton/qbench/pkg/provider"
	"github.com/quatton/qbench/pkg/provider/providertest"
	"github.com/quatton/qbench/pkg/provision"
	"github.com/quatton/qbench/pkg/qerr"
	"github.com/quatton/qbench/pkg/remote/remotetest"
)

func spec(id string) fleet.InstanceSpec {
	return fleet.InstanceSpec{
		ID:        id,
		Provider:  fleet.ProviderEC2,
		Region:    "us-west-2",
		Compute:   fleet.ComputeSpec{InstanceType: "g6e.xlarge", Image: "ami-1"},
		RunScript: "run.sh",
		Runs:      []fleet.RunConfig{{Name: "a"}},
		Timeout:   time.Minute,
		Deploy:    true,
	}
}

func newService(p *providertest.Provider, opts ...provision.Option) *provision.Service {
	opts = append([]provision.Option{provision.WithClaimTiming(time.Minute, 5*time.Second, 5*time.Millisecond)}, opts...)
	return provision.NewService(provider.NewRegistry(p), opts...)
}

func TestProvisionCreatesInstance(t *testing.T) {
	p := providertest.New(remotetest.NewHost("/home/ubuntu").Dialer())
	svc := newService(p, provision.WithNames(provision.Names{NetworkRule: "bench", KeyPair: "bench"}),
		provision.WithTags(map[string]string{"qbench/orchestration": "o-1"}))

	h, err := svc.Provision(context.Background(), spec("a"))
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	if h.InstanceID == "" || h.Host == "" || h.KeyPath != "/keys/bench_us-west-2.pem" {
		t.Fatalf("unexpected handle %+v", h)
	}
	req := p.Creates[0]
	if req.NetworkRuleID != "sg-1" || req.KeyPair.Name != "bench_us-west-2" {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.Tags["qbench/orchestration"] != "o-1" || req.Tags["Name"] != "a" {
		t.Fatalf("unexpected tags %v", req.Tags)
	}
}

func TestSharedResourcesCreatedOnce(t *testing.T) {
	p := providertest.New(nil)
	p.CreateDelay = 10 * time.Millisecond
	svc := newService(p)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Provision(context.Background(), spec(string(rune('a'+i))))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Provision failed: %v", err)
		}
	}

	if p.RuleCreates != 1 || p.KeyPairCreates != 1 {
		t.Fatalf("expected one creation each, got rules=%d keys=%d", p.RuleCreates, p.KeyPairCreates)
	}
	if p.CreateCount() != 8 {
		t.Fatalf("expected 8 instances, got %d", p.CreateCount())
	}
}

func TestProvisionWithoutCreateStepUsesExistingRule(t *testing.T) {
	p := providertest.New(nil)
	steps := fleet.AllSteps()
	steps.CreateNetworkRule = false
	svc := newService(p, provision.WithSteps(steps))

	_, err := svc.Provision(context.Background(), spec("a"))
	if !qerr.IsCode(err, qerr.CodeProvisioning) || !errors.Is(err, provider.ErrNotFound) {
		t.Fatalf("expected provisioning not-found error, got %v", err)
	}
	if p.CreateCount() != 0 {
		t.Fatal("no instance should be created")
	}
}

func TestProvisionCreateError(t *testing.T) {
	p := providertest.New(nil)
	p.CreateErr = errors.New("InstanceLimitExceeded")
	svc := newService(p)

	h, err := svc.Provision(context.Background(), spec("a"))
	if !qerr.IsCode(err, qerr.CodeProvisioning) {
		t.Fatalf("expected provisioning error, got %v", err)
	}
	if h.InstanceID != "" {
		t.Fatalf("expected empty handle, got %+v", h)
	}
}

func TestProvisionExistingInstance(t *testing.T) {
	host := remotetest.NewHost("/home/ec2-user")
	p := providertest.New(host.Dialer())
	p.Existing["i-byo"] = fleet.Handle{InstanceID: "i-byo", Host: "3.3.3.3", User: "ec2-user"}
	svc := newService(p)

	s := spec("byo")
	s.Existing = &fleet.ExistingInstance{ID: "i-byo", PrivateKeyPath: "/keys/mine.pem"}
	h, err := svc.Provision(context.Background(), s)
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	if !h.Adopted || h.KeyPath != "/keys/mine.pem" {
		t.Fatalf("unexpected handle %+v", h)
	}
	if p.CreateCount() != 0 || p.RuleCreates != 0 || p.KeyPairCreates != 0 {
		t.Fatal("existing instance must not create resources")
	}
	if host.Dials != 1 {
		t.Fatalf("expected one reachability dial, got %d", host.Dials)
	}
}

func TestProvisionExistingUnreachable(t *testing.T) {
	host := remotetest.NewHost("/home/ec2-user")
	host.FailDials = 1
	p := providertest.New(host.Dialer())
	p.Existing["i-byo"] = fleet.Handle{InstanceID: "i-byo", Host: "3.3.3.3"}
	svc := newService(p)

	s := spec("byo")
	s.Existing = &fleet.ExistingInstance{ID: "i-byo", PrivateKeyPath: "/keys/mine.pem"}
	if _, err := svc.Provision(context.Background(), s); !qerr.IsCode(err, qerr.CodeConnection) {
		t.Fatalf("expected connection error, got %v", err)
	}
}

func TestNames(t *testing.T) {
	n := provision.Names{NetworkRule: "fmbench_conn", KeyPair: "fmbench_key"}
	if got := n.NetworkRuleName("us-east-1"); got != "fmbench_conn-us-east-1" {
		t.Fatalf("got %s", got)
	}
	if got := n.KeyPairName("us-east-1"); got != "fmbench_key_us-east-1" {
		t.Fatalf("got %s", got)
	}
}
