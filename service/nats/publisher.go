package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/tipjar/service/metrics"
	"github.com/nats-io/nats.go"
)

// Publisher defines the interface for publishing tip events to NATS.
type Publisher interface {
	// PublishTip publishes a settled attempt to "tips.{session_id}".
	PublishTip(ctx context.Context, event *TipEvent) error

	// Close closes the connection to NATS.
	Close() error
}

// CorePublisher publishes tip events with core NATS. Events are not
// persisted: subscribers that are offline miss them.
type CorePublisher struct {
	nc      *nats.Conn
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Connect dials NATS with the reconnect settings shared by the publisher
// and the CLI subscriber.
func Connect(natsURL, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// NewPublisher connects to NATS and returns a publisher.
func NewPublisher(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*CorePublisher, error) {
	nc, err := Connect(natsURL, "tipjar-publisher")
	if err != nil {
		return nil, err
	}

	logger.Info("NATS publisher initialized", "url", natsURL, "subject", AllTipsSubject)

	return &CorePublisher{
		nc:      nc,
		metrics: m,
		logger:  logger,
	}, nil
}

// PublishTip publishes a single tip event.
func (p *CorePublisher) PublishTip(ctx context.Context, event *TipEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	subject := Subject(event.SessionID)
	if event.PublishedAt.IsZero() {
		event.PublishedAt = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal tip event: %w", err)
	}

	start := time.Now()
	err = p.nc.Publish(subject, data)
	status := "success"
	if err != nil {
		status = "error"
	}
	if p.metrics != nil {
		// per-session subjects would explode label cardinality
		p.metrics.RecordNATSPublish(AllTipsSubject, status, time.Since(start).Seconds())
	}
	if err != nil {
		return fmt.Errorf("failed to publish tip event: %w", err)
	}

	p.logger.DebugContext(ctx, "published tip event",
		"subject", subject,
		"attempt_id", event.AttemptID,
		"status", event.Status,
	)
	return nil
}

// Close drains pending messages and closes the connection.
func (p *CorePublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	p.logger.Info("NATS publisher closed")
	return nil
}

// Subscribe delivers decoded tip events matching subject to handler until
// ctx is cancelled. Messages that fail to decode are passed to onError.
func Subscribe(ctx context.Context, nc *nats.Conn, subject string, handler func(*TipEvent), onError func(error)) error {
	msgs := make(chan *nats.Msg, 64)
	sub, err := nc.ChanSubscribe(subject, msgs)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-msgs:
			var event TipEvent
			if err := json.Unmarshal(msg.Data, &event); err != nil {
				if onError != nil {
					onError(fmt.Errorf("failed to decode message on %s: %w", msg.Subject, err))
				}
				continue
			}
			handler(&event)
		}
	}
}
