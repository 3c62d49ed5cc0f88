// Package providertest provides an in-memory Provider for tests.
package providertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quatton/qbench/pkg/fleet"
	"github.com/quatton/qbench/pkg/provider"
	"github.com/quatton/qbench/pkg/remote"
)

// Provider records calls and hands out sequential instance IDs.
type Provider struct {
	mu sync.Mutex

	KindValue fleet.ProviderKind
	Dial      remote.Dialer
	User      string

	CreateErr    error
	TerminateErr error
	// CreateDelay slows down CreateNetworkRule so races are observable.
	CreateDelay time.Duration
	// OnCreate is called with every new instance ID.
	OnCreate func(id string, req provider.CreateRequest)

	RuleCreates    int
	KeyPairCreates int
	Creates        []provider.CreateRequest
	Terminated     map[string]int
	Existing       map[string]fleet.Handle
	rules          map[string]string
	keys           map[string]provider.KeyPair
	seq            int
}

// New returns a fake EC2-kind provider whose sessions are opened by dial.
func New(dial remote.Dialer) *Provider {
	return &Provider{
		KindValue:  fleet.ProviderEC2,
		Dial:       dial,
		User:       "ubuntu",
		Terminated: map[string]int{},
		Existing:   map[string]fleet.Handle{},
		rules:      map[string]string{},
		keys:       map[string]provider.KeyPair{},
	}
}

func (p *Provider) Kind() fleet.ProviderKind { return p.KindValue }

func (p *Provider) EnsureNetworkRule(ctx context.Context, region, name string, create bool) (string, error) {
	if p.CreateDelay > 0 {
		time.Sleep(p.CreateDelay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	key := region + "/" + name
	if id, ok := p.rules[key]; ok {
		return id, nil
	}
	if !create {
		return "", fmt.Errorf("network rule %s: %w", name, provider.ErrNotFound)
	}
	p.RuleCreates++
	id := fmt.Sprintf("sg-%d", p.RuleCreates)
	p.rules[key] = id
	return id, nil
}

func (p *Provider) EnsureKeyPair(ctx context.Context, region, name string, create bool) (provider.KeyPair, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := region + "/" + name
	if kp, ok := p.keys[key]; ok {
		return kp, nil
	}
	if !create {
		return provider.KeyPair{}, fmt.Errorf("key pair %s: %w", name, provider.ErrNotFound)
	}
	p.KeyPairCreates++
	kp := provider.KeyPair{Name: name, PrivateKeyPath: "/keys/" + name + ".pem"}
	p.keys[key] = kp
	return kp, nil
}

func (p *Provider) CreateInstance(ctx context.Context, req provider.CreateRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CreateErr != nil {
		return "", p.CreateErr
	}
	p.Creates = append(p.Creates, req)
	p.seq++
	id := fmt.Sprintf("i-%04d", p.seq)
	p.Existing[id] = fleet.Handle{
		Provider:   p.KindValue,
		Region:     req.Spec.Region,
		InstanceID: id,
		Host:       "10.0.0." + fmt.Sprint(p.seq),
		User:       p.User,
		KeyPath:    req.KeyPair.PrivateKeyPath,
	}
	if p.OnCreate != nil {
		p.OnCreate(id, req)
	}
	return id, nil
}

func (p *Provider) WaitRunning(ctx context.Context, region, id string) (fleet.Handle, error) {
	return p.Describe(ctx, region, id)
}

func (p *Provider) Describe(ctx context.Context, region, id string) (fleet.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.Existing[id]
	if !ok {
		return fleet.Handle{}, fmt.Errorf("instance %s: %w", id, provider.ErrNotFound)
	}
	return h, nil
}

func (p *Provider) Terminate(ctx context.Context, region, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Terminated[id]++
	return p.TerminateErr
}

func (p *Provider) Dialer() remote.Dialer { return p.Dial }

// CreateCount returns the number of CreateInstance calls that succeeded.
func (p *Provider) CreateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Creates)
}

// TerminateCount returns how often id was terminated.
func (p *Provider) TerminateCount(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Terminated[id]
}

var _ provider.Provider = (*Provider)(nil)
