// Package natspub publishes engine events to NATS.
package natspub

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"taskorch/pkg/events"
	"taskorch/pkg/logx"
)

// Publisher is an events.Sink that publishes each event as JSON on
// {prefix}.{namespace}.{type}.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	owned  bool
	logger *logx.Logger
}

// Connect dials url and returns a publisher that closes the connection on Close.
func Connect(url, prefix string, logger *logx.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("taskorch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	p := New(nc, prefix, logger)
	p.owned = true
	return p, nil
}

// New wraps an existing connection. The caller keeps ownership of nc.
func New(nc *nats.Conn, prefix string, logger *logx.Logger) *Publisher {
	if prefix == "" {
		prefix = "taskorch"
	}
	if logger == nil {
		logger = logx.NewLogger("natspub")
	}
	return &Publisher{nc: nc, prefix: prefix, logger: logger}
}

// Subject returns the subject an event is published on.
func (p *Publisher) Subject(e events.Event) string {
	ns := e.Namespace
	if ns == "" {
		ns = "_"
	}
	return p.prefix + "." + token(ns) + "." + token(string(e.Type))
}

// Publish sends e and reports any failure.
func (p *Publisher) Publish(e events.Event) error {
	data, err := e.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(e), data); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}

// Emit implements events.Sink. Failures are logged, never returned to the engine.
func (p *Publisher) Emit(e events.Event) {
	if err := p.Publish(e); err != nil {
		p.logger.Warn("Failed to publish event: %v", err)
	}
}

// Close flushes pending messages and closes the connection if the publisher owns it.
func (p *Publisher) Close() error {
	if err := p.nc.FlushTimeout(2 * time.Second); err != nil && !p.nc.IsClosed() {
		p.logger.Warn("Flush before close failed: %v", err)
	}
	if p.owned {
		p.nc.Close()
	}
	return nil
}

// token makes s safe as a single subject token.
func token(s string) string {
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}
