// Package events publishes run status transitions over NATS JetStream.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/domain"
)

// RunStatusEvent is published on every run status transition
type RunStatusEvent struct {
	RunID        string            `json:"run_id"`
	Status       domain.RunStatus  `json:"status"`
	EntityType   domain.EntityType `json:"entity_type"`
	Counts       domain.Counts     `json:"counts"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// NewRunStatusEvent snapshots the run
func NewRunStatusEvent(run domain.Run, now time.Time) RunStatusEvent {
	return RunStatusEvent{
		RunID:        run.ID,
		Status:       run.Status,
		EntityType:   run.EntityType,
		Counts:       run.Counts,
		ErrorMessage: run.ErrorMessage,
		Timestamp:    now.UTC(),
	}
}

// Publisher delivers run status events
type Publisher interface {
	PublishStatus(ctx context.Context, evt RunStatusEvent) error
}

// JSContext is the subset of JetStream operations the publisher depends on
type JSContext interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
}

// JetStreamConfig configures a JetStreamPublisher
type JetStreamConfig struct {
	Stream     string
	Subject    string
	MaxRetries int
	RetryWait  time.Duration
}

// JetStreamPublisher publishes status events to <Subject>.<run id>
type JetStreamPublisher struct {
	js     JSContext
	cfg    JetStreamConfig
	logger *zap.Logger

	once      sync.Once
	streamErr error
}

// NewJetStreamPublisher creates a publisher; the stream is created on first publish when missing
func NewJetStreamPublisher(js JSContext, cfg JetStreamConfig, logger *zap.Logger) (*JetStreamPublisher, error) {
	if js == nil {
		return nil, fmt.Errorf("JetStream context cannot be nil")
	}
	if cfg.Stream == "" {
		cfg.Stream = "BULK_EDIT"
	}
	if cfg.Subject == "" {
		cfg.Subject = "bulkedit.runs"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JetStreamPublisher{js: js, cfg: cfg, logger: logger}, nil
}

// PublishStatus publishes the event, retrying up to MaxRetries times.
// The message id deduplicates redeliveries of the same transition.
func (p *JetStreamPublisher) PublishStatus(ctx context.Context, evt RunStatusEvent) error {
	if err := p.ensureStream(); err != nil {
		return err
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal status event: %w", err)
	}

	subject := p.cfg.Subject + "." + evt.RunID
	msgID := evt.RunID + ":" + string(evt.Status)

	var publishErr error
	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		_, publishErr = p.js.Publish(subject, data, nats.MsgId(msgID), nats.Context(ctx))
		if publishErr == nil {
			break
		}
		if attempt < p.cfg.MaxRetries {
			p.logger.Warn("Failed to publish status event, retrying",
				zap.String("run_id", evt.RunID),
				zap.Int("attempt", attempt),
				zap.Error(publishErr))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * p.cfg.RetryWait):
			}
		}
	}
	if publishErr != nil {
		p.logger.Error("Failed to publish status event after all retries",
			zap.String("run_id", evt.RunID),
			zap.String("status", string(evt.Status)),
			zap.Int("attempts", p.cfg.MaxRetries),
			zap.Error(publishErr))
		return fmt.Errorf("publish status event: %w", publishErr)
	}

	p.logger.Debug("Published status event",
		zap.String("run_id", evt.RunID),
		zap.String("status", string(evt.Status)),
		zap.String("subject", subject))
	return nil
}

func (p *JetStreamPublisher) ensureStream() error {
	p.once.Do(func() {
		_, err := p.js.StreamInfo(p.cfg.Stream)
		if err == nil {
			return
		}
		if err != nats.ErrStreamNotFound {
			p.streamErr = fmt.Errorf("failed to get stream info for '%s': %w", p.cfg.Stream, err)
			return
		}
		p.logger.Info("Creating JetStream stream", zap.String("stream", p.cfg.Stream))
		_, err = p.js.AddStream(&nats.StreamConfig{
			Name:     p.cfg.Stream,
			Subjects: []string{p.cfg.Subject + ".*"},
			Storage:  nats.FileStorage,
			MaxAge:   7 * 24 * time.Hour,
			Replicas: 1,
		})
		if err != nil {
			p.streamErr = fmt.Errorf("failed to create stream '%s': %w", p.cfg.Stream, err)
		}
	})
	return p.streamErr
}

// MemoryPublisher records events in memory
type MemoryPublisher struct {
	mu     sync.Mutex
	events []RunStatusEvent
}

// NewMemoryPublisher creates an empty MemoryPublisher
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// PublishStatus records the event
func (m *MemoryPublisher) PublishStatus(ctx context.Context, evt RunStatusEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

// Events returns the recorded events in publish order
func (m *MemoryPublisher) Events() []RunStatusEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RunStatusEvent(nil), m.events...)
}

// Statuses returns the status of every recorded event
func (m *MemoryPublisher) Statuses() []domain.RunStatus {
	events := m.Events()
	out := make([]domain.RunStatus, 0, len(events))
	for _, e := range events {
		out = append(out, e.Status)
	}
	return out
}

// Nop discards events
type Nop struct{}

// PublishStatus does nothing
func (Nop) PublishStatus(context.Context, RunStatusEvent) error { return nil }
