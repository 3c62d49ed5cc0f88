package cmd

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/quatton/qbench/pkg/config"
	"github.com/quatton/qbench/pkg/db"
	"github.com/quatton/qbench/pkg/events"
	"github.com/quatton/qbench/pkg/fleet"
	"github.com/quatton/qbench/pkg/k8s"
	"github.com/quatton/qbench/pkg/kv"
	"github.com/quatton/qbench/pkg/metrics"
	"github.com/quatton/qbench/pkg/provider"
	"github.com/quatton/qbench/pkg/provider/ec2"
	"github.com/quatton/qbench/pkg/provider/kube"
	"github.com/quatton/qbench/pkg/qart"
	"github.com/quatton/qbench/pkg/qlog"
)

// stack holds the optional backends selected by Settings. Members are nil
// when the matching QBENCH_* variables are unset.
type stack struct {
	metrics   *metrics.Metrics
	ledger    *db.Ledger
	artifacts qart.Store
	claims    *kv.ValkeyStore
	events    *events.Publisher

	closers []func()
}

func openStack(ctx context.Context, settings *config.Settings, log *qlog.Logger) (*stack, error) {
	s := &stack{metrics: metrics.New()}

	if settings.Ledger {
		database, err := db.New(ctx, settings.DB)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		s.ledger = db.NewLedger(database)
		s.closers = append(s.closers, func() { database.Close() })
		log.Info("ledger enabled", "host", settings.DB.Host, "database", settings.DB.Database)
	}

	if settings.HasS3() {
		store, err := qart.NewS3Store(settings.S3Config())
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to initialize artifact store: %w", err)
		}
		if err := store.EnsureBucket(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to ensure bucket %s: %w", settings.S3Bucket, err)
		}
		s.artifacts = store
		log.Info("artifact mirror enabled", "endpoint", settings.S3Endpoint, "bucket", settings.S3Bucket)
	}

	if settings.HasRedis() {
		claims, err := kv.NewValkeyStore(settings.ValkeyConfig())
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to connect to claim store: %w", err)
		}
		s.claims = claims
		s.closers = append(s.closers, func() { claims.Close() })
		log.Info("shared claim store enabled", "addr", settings.RedisAddr)
	}

	if settings.HasNATS() {
		pub, err := events.Connect(settings.NATSURL, "qbench", events.WithLogger(log))
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to connect to event stream: %w", err)
		}
		s.events = pub
		s.closers = append(s.closers, pub.Close)
		log.Info("event stream enabled", "url", settings.NATSURL)
	}

	return s, nil
}

// observers returns every configured lifecycle observer.
func (s *stack) observers() fleet.Observers {
	obs := fleet.Observers{s.metrics}
	if s.ledger != nil {
		obs = append(obs, s.ledger)
	}
	if s.events != nil {
		obs = append(obs, s.events)
	}
	return obs
}

// Close releases backends in reverse order of opening.
func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// providerKinds lists the distinct providers used by specs, in order of
// first use.
func providerKinds(specs []fleet.InstanceSpec) []fleet.ProviderKind {
	var kinds []fleet.ProviderKind
	for _, spec := range specs {
		if !slices.Contains(kinds, spec.Provider) {
			kinds = append(kinds, spec.Provider)
		}
	}
	return kinds
}

// buildRegistry constructs only the providers in kinds. Unknown kinds are
// left unregistered so that the specs using them fail on their own.
func buildRegistry(ctx context.Context, kinds []fleet.ProviderKind, settings *config.Settings, bootTimeout time.Duration, log *qlog.Logger) (*provider.Registry, error) {
	reg := provider.NewRegistry()
	for _, kind := range kinds {
		switch kind {
		case fleet.ProviderEC2:
			p, err := ec2.New(ctx, ec2.WithLogger(log.With("provider", "ec2")))
			if err != nil {
				return nil, err
			}
			reg.Register(p)
		case fleet.ProviderKubernetes:
			client, err := k8s.NewClient(settings.Kubeconfig)
			if err != nil {
				return nil, fmt.Errorf("kubernetes provider: %w", err)
			}
			reg.Register(kube.New(client.Clientset, client.Config, settings.KubeNamespace,
				kube.WithPolling(2*time.Second, bootTimeout),
				kube.WithLogger(log.With("provider", "kubernetes")),
			))
		default:
			log.Warn("no provider for kind", "provider", kind)
		}
	}
	return reg, nil
}
