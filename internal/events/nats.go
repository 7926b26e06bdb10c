// Package events publishes session events to NATS subjects of the form
// <prefix>.<session code>.<event type>.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/MarkusJohansen/faxing/internal/config"
	"github.com/MarkusJohansen/faxing/internal/domain"
	"github.com/nats-io/nats.go"
)

// conn is the part of *nats.Conn the publisher uses
type conn interface {
	Publish(subj string, data []byte) error
}

// Publisher sends session events to NATS
type Publisher struct {
	nc     conn
	close  func()
	prefix string
	logger *slog.Logger
}

// NewPublisher connects to the configured NATS server
func NewPublisher(cfg *config.NATSConfig, logger *slog.Logger) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name("faxing-coordinator"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Error("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("nats error", "error", err)
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	p := newPublisher(nc, cfg.SubjectPrefix, logger)
	p.close = func() {
		if err := nc.Drain(); err != nil {
			logger.Warn("draining nats connection", "error", err)
			nc.Close()
		}
	}
	return p, nil
}

func newPublisher(nc conn, prefix string, logger *slog.Logger) *Publisher {
	return &Publisher{
		nc:     nc,
		close:  func() {},
		prefix: prefix,
		logger: logger,
	}
}

// Subject returns the subject an event is published on
func (p *Publisher) Subject(event domain.SessionEvent) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, event.SessionCode, event.Type)
}

// Notify publishes the event
func (p *Publisher) Notify(ctx context.Context, event domain.SessionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	subject := p.Subject(event)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing %s: %w", subject, err)
	}
	p.logger.Debug("event published", "subject", subject)
	return nil
}

// Close drains the connection
func (p *Publisher) Close() {
	p.close()
}
