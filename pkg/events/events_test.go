package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/domain"
)

type publishCall struct {
	subject string
	data    []byte
}

type mockJS struct {
	streams   map[string]*nats.StreamConfig
	calls     []publishCall
	failTimes int
}

func newMockJS() *mockJS {
	return &mockJS{streams: make(map[string]*nats.StreamConfig)}
}

func (m *mockJS) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	if m.failTimes > 0 {
		m.failTimes--
		return nil, errors.New("no responders")
	}
	m.calls = append(m.calls, publishCall{subject: subj, data: data})
	return &nats.PubAck{Stream: "BULK_EDIT", Sequence: uint64(len(m.calls))}, nil
}

func (m *mockJS) StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error) {
	cfg, ok := m.streams[stream]
	if !ok {
		return nil, nats.ErrStreamNotFound
	}
	return &nats.StreamInfo{Config: *cfg}, nil
}

func (m *mockJS) AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error) {
	m.streams[cfg.Name] = cfg
	return &nats.StreamInfo{Config: *cfg}, nil
}

func testEvent() RunStatusEvent {
	run := domain.Run{
		ID:         "run-1",
		EntityType: domain.EntityItem,
		Status:     domain.RunStatusDataModification,
		Counts:     domain.Counts{Total: 3, Matched: 2, Processed: 3, Errors: 1},
	}
	return NewRunStatusEvent(run, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
}

func TestJetStreamPublisher_CreatesStreamAndPublishes(t *testing.T) {
	js := newMockJS()
	p, err := NewJetStreamPublisher(js, JetStreamConfig{}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, p.PublishStatus(context.Background(), testEvent()))

	require.Contains(t, js.streams, "BULK_EDIT")
	assert.Equal(t, []string{"bulkedit.runs.*"}, js.streams["BULK_EDIT"].Subjects)
	require.Len(t, js.calls, 1)
	assert.Equal(t, "bulkedit.runs.run-1", js.calls[0].subject)

	var decoded RunStatusEvent
	require.NoError(t, json.Unmarshal(js.calls[0].data, &decoded))
	assert.Equal(t, domain.RunStatusDataModification, decoded.Status)
	assert.Equal(t, int64(2), decoded.Counts.Matched)
}

func TestJetStreamPublisher_RetriesTransientFailures(t *testing.T) {
	js := newMockJS()
	js.failTimes = 2
	p, err := NewJetStreamPublisher(js, JetStreamConfig{MaxRetries: 3}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, p.PublishStatus(context.Background(), testEvent()))
	assert.Len(t, js.calls, 1)
}

func TestJetStreamPublisher_GivesUp(t *testing.T) {
	js := newMockJS()
	js.failTimes = 5
	p, err := NewJetStreamPublisher(js, JetStreamConfig{MaxRetries: 2}, zap.NewNop())
	require.NoError(t, err)

	err = p.PublishStatus(context.Background(), testEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no responders")
	assert.Empty(t, js.calls)
}

func TestNewJetStreamPublisher_RequiresContext(t *testing.T) {
	_, err := NewJetStreamPublisher(nil, JetStreamConfig{}, nil)
	require.Error(t, err)
}

func TestMemoryPublisher(t *testing.T) {
	p := NewMemoryPublisher()
	evt := testEvent()
	require.NoError(t, p.PublishStatus(context.Background(), evt))
	evt.Status = domain.RunStatusReviewChanges
	require.NoError(t, p.PublishStatus(context.Background(), evt))

	assert.Equal(t, []domain.RunStatus{domain.RunStatusDataModification, domain.RunStatusReviewChanges}, p.Statuses())
}
