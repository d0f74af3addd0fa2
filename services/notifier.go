package services

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

// NotificationSender is the fire-and-forget dispatch boundary invoked by the
// state machine on each assignment change. Delivery (chat/SMS/push) lives
// outside this core; failures are logged, never retried here.
type NotificationSender interface {
	SendIncidentAssigned(incidentID, userID string, level int)
	SendIncidentEscalated(incidentID, userID string, level int)
	SendIncidentAcknowledged(incidentID, userID string)
	SendIncidentResolved(incidentID, userID string)
}

// NotificationMessage is the queue payload consumed by the notification
// worker.
type NotificationMessage struct {
	Type       string    `json:"type"`
	IncidentID string    `json:"incident_id"`
	UserID     string    `json:"user_id"`
	Level      int       `json:"level,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// RedisNotificationSender pushes notification messages onto a Redis list.
// The notification worker drains it and hands messages to the delivery
// gateway.
type RedisNotificationSender struct {
	Redis *redis.Client
	Queue string
}

func NewRedisNotificationSender(rdb *redis.Client, queue string) *RedisNotificationSender {
	if queue == "" {
		queue = "notifications:queue"
	}
	return &RedisNotificationSender{Redis: rdb, Queue: queue}
}

func (s *RedisNotificationSender) push(msg NotificationMessage) {
	if s.Redis == nil {
		return
	}
	msg.CreatedAt = time.Now().UTC()

	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to encode notification %s for incident %s: %v", msg.Type, msg.IncidentID, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Redis.LPush(ctx, s.Queue, payload).Err(); err != nil {
		log.Printf("Failed to enqueue notification %s for incident %s: %v", msg.Type, msg.IncidentID, err)
	}
}

func (s *RedisNotificationSender) SendIncidentAssigned(incidentID, userID string, level int) {
	s.push(NotificationMessage{Type: "incident_assigned", IncidentID: incidentID, UserID: userID, Level: level})
}

func (s *RedisNotificationSender) SendIncidentEscalated(incidentID, userID string, level int) {
	s.push(NotificationMessage{Type: "incident_escalated", IncidentID: incidentID, UserID: userID, Level: level})
}

func (s *RedisNotificationSender) SendIncidentAcknowledged(incidentID, userID string) {
	s.push(NotificationMessage{Type: "incident_acknowledged", IncidentID: incidentID, UserID: userID})
}

func (s *RedisNotificationSender) SendIncidentResolved(incidentID, userID string) {
	s.push(NotificationMessage{Type: "incident_resolved", IncidentID: incidentID, UserID: userID})
}
