package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"tradingagents/internal/models"
)

type fakePublisher struct {
	mu       sync.Mutex
	channels []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) Publish(_ context.Context, channel string, message interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append(f.channels, channel)
	if data, ok := message.([]byte); ok {
		f.payloads = append(f.payloads, data)
	}
	return f.err
}

func TestSessionChannel(t *testing.T) {
	if got := SessionChannel("abc"); got != "session:abc:events" {
		t.Errorf("Unexpected channel %s", got)
	}
}

func TestPubSubService_StopFlushesQueue(t *testing.T) {
	pub := &fakePublisher{}
	svc := NewPubSubService(pub, "instance-1")

	for i := 0; i < 10; i++ {
		svc.PublishSessionEvent("s1", models.LogEntry{Timestamp: time.Now(), Kind: models.EventKindSystem, Text: "tick"})
	}
	svc.Stop()
	svc.Stop()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.payloads) != 10 {
		t.Fatalf("Expected 10 published events, got %d", len(pub.payloads))
	}
	if pub.channels[0] != "session:s1:events" {
		t.Errorf("Unexpected channel %s", pub.channels[0])
	}

	var msg SessionEventMessage
	if err := json.Unmarshal(pub.payloads[0], &msg); err != nil {
		t.Fatalf("Payload is not JSON: %v", err)
	}
	if msg.Type != "session_event" || msg.InstanceID != "instance-1" || msg.Event.Text != "tick" {
		t.Errorf("Unexpected message: %+v", msg)
	}
}

func TestPubSubService_PublishErrorsAreSwallowed(t *testing.T) {
	pub := &fakePublisher{err: errors.New("redis down")}
	svc := NewPubSubService(pub, "instance-1")
	svc.PublishSessionEvent("s1", models.LogEntry{Kind: models.EventKindResult, Text: "done"})
	svc.Stop()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.channels) != 1 {
		t.Errorf("Expected one publish attempt, got %d", len(pub.channels))
	}
}
