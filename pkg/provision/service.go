// Package provision turns InstanceSpecs into running, addressable instances.
package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/quatton/qbench/pkg/fleet"
	"github.com/quatton/qbench/pkg/kv"
	"github.com/quatton/qbench/pkg/provider"
	"github.com/quatton/qbench/pkg/qerr"
	"github.com/quatton/qbench/pkg/qlog"
)

// Names are the base names of resources shared by every instance in a
// region. The region is appended.
type Names struct {
	NetworkRule string `mapstructure:"network_rule"`
	KeyPair     string `mapstructure:"key_pair"`
}

// DefaultNames are used when the experiment does not name shared resources.
func DefaultNames() Names {
	return Names{NetworkRule: "qbench", KeyPair: "qbench"}
}

// NetworkRuleName returns "<name>-<region>".
func (n Names) NetworkRuleName(region string) string {
	return n.NetworkRule + "-" + region
}

// KeyPairName returns "<name>_<region>".
func (n Names) KeyPairName(region string) string {
	return n.KeyPair + "_" + region
}

// Service provisions instances. It is shared by all lifecycle goroutines.
type Service struct {
	providers *provider.Registry
	shared    *sharedResources
	names     Names
	steps     fleet.RunSteps
	tags      map[string]string
	log       *qlog.Logger
}

// Option configures a Service
type Option func(*Service)

// WithClaimStore replaces the in-memory claim store, e.g. with Valkey so
// that concurrent processes share resources too.
func WithClaimStore(s kv.Store) Option {
	return func(svc *Service) { svc.shared.store = s }
}

// WithClaimTiming tunes how long a creation claim lives and how long
// waiters wait for it.
func WithClaimTiming(claimTTL, wait, interval time.Duration) Option {
	return func(svc *Service) {
		svc.shared.claimTTL = claimTTL
		svc.shared.timeout = wait
		svc.shared.interval = interval
	}
}

// WithNames sets shared resource names.
func WithNames(n Names) Option {
	return func(svc *Service) { svc.names = n }
}

// WithSteps sets which creation steps are enabled.
func WithSteps(steps fleet.RunSteps) Option {
	return func(svc *Service) { svc.steps = steps }
}

// WithTags adds tags to every created instance.
func WithTags(tags map[string]string) Option {
	return func(svc *Service) {
		for k, v := range tags {
			svc.tags[k] = v
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *qlog.Logger) Option {
	return func(svc *Service) { svc.log = l }
}

func NewService(providers *provider.Registry, opts ...Option) *Service {
	svc := &Service{
		providers: providers,
		shared: &sharedResources{
			store:    kv.NewMemoryStore(),
			claimTTL: 10 * time.Minute,
			valueTTL: 12 * time.Hour,
			interval: 2 * time.Second,
			timeout:  10 * time.Minute,
		},
		names: DefaultNames(),
		steps: fleet.AllSteps(),
		tags:  map[string]string{},
		log:   qlog.NewDiscard(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Provision returns a handle to a running instance for spec. Bring-your-own
// specs are only checked for reachability; nothing is created for them.
func (s *Service) Provision(ctx context.Context, spec fleet.InstanceSpec) (fleet.Handle, error) {
	p, err := s.providers.Resolve(spec.Provider)
	if err != nil {
		return fleet.Handle{}, qerr.New(qerr.CodeProvisioning, err)
	}
	if spec.BYO() {
		return s.adopt(ctx, p, spec)
	}

	log := s.log.With("instance", spec.ID, "region", spec.Region)

	ruleID, err := s.networkRule(ctx, p, spec.Region)
	if err != nil {
		return fleet.Handle{}, qerr.New(qerr.CodeProvisioning, fmt.Errorf("network rule: %w", err))
	}
	keyPair, err := s.keyPair(ctx, p, spec.Region)
	if err != nil {
		return fleet.Handle{}, qerr.New(qerr.CodeProvisioning, fmt.Errorf("key pair: %w", err))
	}

	startup := ""
	if spec.StartupScript != "" {
		data, err := os.ReadFile(spec.StartupScript)
		if err != nil {
			return fleet.Handle{}, qerr.New(qerr.CodeProvisioning, fmt.Errorf("failed to read startup script: %w", err))
		}
		startup = string(data)
	}

	tags := map[string]string{"Name": spec.ID, "qbench/spec": spec.ID}
	for k, v := range s.tags {
		tags[k] = v
	}

	id, err := p.CreateInstance(ctx, provider.CreateRequest{
		Spec:          spec,
		NetworkRuleID: ruleID,
		KeyPair:       keyPair,
		StartupScript: startup,
		Tags:          tags,
	})
	if err != nil {
		return fleet.Handle{}, qerr.New(qerr.CodeProvisioning, fmt.Errorf("create instance: %w", err))
	}
	log.Info("instance created", "instance_id", id, "type", spec.Compute.InstanceType)

	h, err := p.WaitRunning(ctx, spec.Region, id)
	if err != nil {
		// The caller still owns the instance and must tear it down.
		partial := fleet.Handle{Provider: spec.Provider, Region: spec.Region, InstanceID: id, KeyPath: keyPair.PrivateKeyPath}
		return partial, qerr.New(qerr.CodeProvisioning, fmt.Errorf("wait for %s: %w", id, err))
	}
	if h.KeyPath == "" {
		h.KeyPath = keyPair.PrivateKeyPath
	}
	log.Info("instance running", "instance_id", id, "host", h.Host, "user", h.User)
	return h, nil
}

func (s *Service) adopt(ctx context.Context, p provider.Provider, spec fleet.InstanceSpec) (fleet.Handle, error) {
	ex := spec.Existing
	h, err := p.Describe(ctx, spec.Region, ex.ID)
	if err != nil {
		return fleet.Handle{}, qerr.New(qerr.CodeProvisioning, fmt.Errorf("existing instance %s: %w", ex.ID, err))
	}
	h.Adopted = true
	if ex.Host != "" {
		h.Host = ex.Host
	}
	if ex.User != "" {
		h.User = ex.User
	}
	if ex.PrivateKeyPath != "" {
		h.KeyPath = ex.PrivateKeyPath
	}

	sess, err := p.Dialer().Dial(ctx, h)
	if err != nil {
		return h, qerr.New(qerr.CodeConnection, fmt.Errorf("existing instance %s is not reachable: %w", ex.ID, err))
	}
	sess.Close()
	s.log.Info("using existing instance", "instance", spec.ID, "instance_id", ex.ID, "host", h.Host)
	return h, nil
}

func (s *Service) networkRule(ctx context.Context, p provider.Provider, region string) (string, error) {
	name := s.names.NetworkRuleName(region)
	key := fmt.Sprintf("shared/%s/%s/network-rule/%s", p.Kind(), region, name)
	v, err := s.shared.once(ctx, key, func(ctx context.Context) ([]byte, error) {
		id, err := p.EnsureNetworkRule(ctx, region, name, s.steps.CreateNetworkRule)
		if err != nil {
			return nil, err
		}
		s.log.Info("network rule ready", "name", name, "id", id)
		return []byte(id), nil
	})
	return string(v), err
}

func (s *Service) keyPair(ctx context.Context, p provider.Provider, region string) (provider.KeyPair, error) {
	name := s.names.KeyPairName(region)
	key := fmt.Sprintf("shared/%s/%s/key-pair/%s", p.Kind(), region, name)
	v, err := s.shared.once(ctx, key, func(ctx context.Context) ([]byte, error) {
		kp, err := p.EnsureKeyPair(ctx, region, name, s.steps.GenerateKeyPair)
		if err != nil {
			return nil, err
		}
		s.log.Info("key pair ready", "name", kp.Name, "path", kp.PrivateKeyPath)
		return json.Marshal(kp)
	})
	if err != nil {
		return provider.KeyPair{}, err
	}
	var kp provider.KeyPair
	if err := json.Unmarshal(v, &kp); err != nil {
		return provider.KeyPair{}, errors.Join(errors.New("corrupt key pair claim"), err)
	}
	return kp, nil
}
