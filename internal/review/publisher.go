package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"trafficevo/internal/evo"
)

const defaultSource = "trafficevo"

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type natsConn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher sends events as JSON on a NATS subject.
type NATSPublisher struct {
	conn    natsConn
	subject string
}

func NewNATSPublisher(conn natsConn, subject string) *NATSPublisher {
	if subject == "" {
		subject = SubjectFlagged
	}
	return &NATSPublisher{conn: conn, subject: subject}
}

// ConnectNATS dials url with unlimited reconnects.
func ConnectNATS(url, name string, logger *slog.Logger) (*natsgo.Conn, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	nc, err := natsgo.Connect(url,
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2*time.Second),
		natsgo.Name(name),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal review event: %w", err)
	}
	if err := p.conn.Publish(p.subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", p.subject, err)
	}
	return nil
}

// MemoryPublisher keeps every event in order. Safe for concurrent use.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *MemoryPublisher) Publish(_ context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

// Forwarder publishes the flagged individuals of every generation of runID.
// All events are attempted; failures are joined.
func Forwarder(runID string, publisher Publisher) evo.Observer {
	return evo.ObserverFunc(func(ctx context.Context, report evo.GenerationReport) error {
		var errs []error
		for _, event := range EventsFromReport(runID, defaultSource, report) {
			if err := publisher.Publish(ctx, event); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}
