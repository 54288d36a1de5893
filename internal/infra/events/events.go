// Package events broadcasts committed ledger events over NATS.
//
// Subjects follow ledger.<operator>.<kind>, e.g. ledger.op-1.settled, so a
// UI can subscribe to one operator with ledger.op-1.>.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/tutu-network/agentledger/internal/domain"
)

// SubjectPrefix roots every ledger subject.
const SubjectPrefix = "ledger"

// Subject returns the subject for an event.
func Subject(operator string, kind domain.EventKind) string {
	// NATS tokens cannot contain separators or wildcards.
	op := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(operator)
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, op, kind)
}

// Publisher publishes ledger events on a NATS connection.
type Publisher struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// Connect dials url and returns a publisher that reconnects on its own.
func Connect(url string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("events")
	nc, err := nats.Connect(url,
		nats.Name("agentledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect %s: %w", url, err)
	}
	return &Publisher{nc: nc, logger: logger}, nil
}

// NewPublisher wraps an existing connection.
func NewPublisher(nc *nats.Conn, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{nc: nc, logger: logger.Named("events")}
}

// Publish implements domain.EventPublisher.
func (p *Publisher) Publish(_ context.Context, ev domain.LedgerEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: encode: %w", err)
	}
	subject := Subject(ev.Account.ID, ev.Kind)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("events: publish %s: %w", subject, err)
	}
	p.logger.Debug("event published", zap.String("subject", subject), zap.String("tx", ev.Transaction.ID))
	return nil
}

// Subscribe delivers decoded events for one operator (or every operator
// when operator is empty) until the subscription is drained.
func (p *Publisher) Subscribe(operator string, fn func(domain.LedgerEvent)) (*nats.Subscription, error) {
	subject := SubjectPrefix + ".>"
	if operator != "" {
		subject = Subject(operator, "*")
	}
	return p.nc.Subscribe(subject, func(m *nats.Msg) {
		var ev domain.LedgerEvent
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			p.logger.Warn("dropping malformed event", zap.String("subject", m.Subject), zap.Error(err))
			return
		}
		fn(ev)
	})
}

// Close drains the connection.
func (p *Publisher) Close() error {
	return p.nc.Drain()
}

// Nop discards events.
type Nop struct{}

// Publish implements domain.EventPublisher.
func (Nop) Publish(context.Context, domain.LedgerEvent) error { return nil }

// Multi publishes to every sink and joins their errors.
type Multi []domain.EventPublisher

// Publish implements domain.EventPublisher.
func (m Multi) Publish(ctx context.Context, ev domain.LedgerEvent) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ domain.EventPublisher = (*Publisher)(nil)
	_ domain.EventPublisher = Nop{}
	_ domain.EventPublisher = Multi(nil)
)
