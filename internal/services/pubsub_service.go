package services

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"tradingagents/internal/models"
)

const sessionEventQueueSize = 1024

// Publisher is the subset of RedisService the pub/sub service needs
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// SessionEventMessage is the payload published for every session event
type SessionEventMessage struct {
	Type       string          `json:"type"` // "session_event"
	SessionID  string          `json:"sessionId"`
	InstanceID string          `json:"instanceId"`
	Event      models.LogEntry `json:"event"`
}

// PubSubService fans session events out to Redis so other instances and
// external consumers can follow a run. Publishing is asynchronous; the
// runner never waits on Redis.
type PubSubService struct {
	publisher  Publisher
	instanceID string
	queue      chan SessionEventMessage
	done       chan struct{}
	wg         sync.WaitGroup
	stopOnce   sync.Once
}

// NewPubSubService creates a pub/sub service and starts its publisher goroutine
func NewPubSubService(publisher Publisher, instanceID string) *PubSubService {
	s := &PubSubService{
		publisher:  publisher,
		instanceID: instanceID,
		queue:      make(chan SessionEventMessage, sessionEventQueueSize),
		done:       make(chan struct{}),
	}
	s.wg.Add(1)
	go s.processMessages()
	log.Printf("✅ [PUBSUB] Publishing session events (instance: %s)", instanceID)
	return s
}

// SessionChannel is the Redis channel carrying one session's events
func SessionChannel(sessionID string) string {
	return "session:" + sessionID + ":events"
}

// PublishSessionEvent queues an event for publishing. If the queue is full the
// event is dropped rather than blocking the caller.
func (s *PubSubService) PublishSessionEvent(sessionID string, entry models.LogEntry) {
	msg := SessionEventMessage{
		Type:       "session_event",
		SessionID:  sessionID,
		InstanceID: s.instanceID,
		Event:      entry,
	}
	select {
	case s.queue <- msg:
	default:
		log.Printf("⚠️ [PUBSUB] Event queue full, dropping event for session %s", sessionID)
	}
}

func (s *PubSubService) processMessages() {
	defer s.wg.Done()
	for {
		select {
		case msg := <-s.queue:
			s.publish(msg)
		case <-s.done:
			// flush what is already queued
			for {
				select {
				case msg := <-s.queue:
					s.publish(msg)
				default:
					return
				}
			}
		}
	}
}

func (s *PubSubService) publish(msg SessionEventMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("⚠️ [PUBSUB] Failed to marshal event: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.publisher.Publish(ctx, SessionChannel(msg.SessionID), data); err != nil {
		log.Printf("⚠️ [PUBSUB] Failed to publish to %s: %v", SessionChannel(msg.SessionID), err)
	}
}

// Stop flushes queued events and stops the publisher goroutine
func (s *PubSubService) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		log.Println("📡 [PUBSUB] Stopped")
	})
}
