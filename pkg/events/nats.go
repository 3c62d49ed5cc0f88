// Package events publishes lifecycle events to NATS so that dashboards and
// other tools can follow an orchestration live.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/quatton/qbench/pkg/fleet"
	"github.com/quatton/qbench/pkg/qlog"
)

// DefaultSubjectPrefix is prepended to every subject.
const DefaultSubjectPrefix = "qbench.events"

var ErrNotConnected = errors.New("nats not connected")

// conn is the part of *nats.Conn the publisher uses.
type conn interface {
	Publish(subject string, data []byte) error
	IsClosed() bool
	Drain() error
	Close()
}

// Publisher implements fleet.Observer on top of a NATS connection.
// Events go to "<prefix>.<orchestration>", the final report to
// "<prefix>.<orchestration>.report".
type Publisher struct {
	nc     conn
	prefix string
	log    *qlog.Logger
}

// Option configures a Publisher
type Option func(*Publisher)

// WithSubjectPrefix overrides DefaultSubjectPrefix.
func WithSubjectPrefix(prefix string) Option {
	return func(p *Publisher) { p.prefix = prefix }
}

// WithLogger sets the logger.
func WithLogger(l *qlog.Logger) Option {
	return func(p *Publisher) { p.log = l }
}

// Connect dials url and reconnects forever on disconnects.
func Connect(url, name string, opts ...Option) (*Publisher, error) {
	p := newPublisher(nil, opts...)
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			p.log.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			p.log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	p.nc = nc
	return p, nil
}

func newPublisher(nc conn, opts ...Option) *Publisher {
	p := &Publisher{nc: nc, prefix: DefaultSubjectPrefix, log: qlog.NewDiscard()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subject returns the event subject of an orchestration.
func (p *Publisher) Subject(orchestrationID string) string {
	return p.prefix + "." + orchestrationID
}

func (p *Publisher) OnEvent(_ context.Context, ev fleet.Event) error {
	return p.publish(p.Subject(ev.OrchestrationID), ev)
}

func (p *Publisher) OnReport(_ context.Context, r *fleet.Report) error {
	return p.publish(p.Subject(r.ID)+".report", r)
}

func (p *Publisher) publish(subject string, v any) error {
	if p.nc == nil || p.nc.IsClosed() {
		return ErrNotConnected
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return p.nc.Publish(subject, payload)
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.log.Debug("nats drain failed", "error", err)
	}
	p.nc.Close()
}

var _ fleet.Observer = (*Publisher)(nil)
