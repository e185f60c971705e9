package worker

import (
	"context"
	"encoding/json"
	"log/slog"

	"lineinspect/internal/redis"
)

const redisCompletionChannel = "lineinspect:completed"

type completionMessage struct {
	SessionID int64 `json:"session_id"`
}

// completionEvents fans results completion out to every server instance so
// each can drop its cached status.
type completionEvents struct {
	client *redis.Client
	logger *slog.Logger
}

func newCompletionEvents(client *redis.Client, logger *slog.Logger) *completionEvents {
	if client == nil {
		return nil
	}
	return &completionEvents{client: client, logger: logger}
}

// startListener subscribes until ctx is done.
func (r *completionEvents) startListener(ctx context.Context, handler func(completionMessage)) {
	if r == nil || handler == nil {
		return
	}
	pubsub, err := r.client.Subscribe(ctx, redisCompletionChannel)
	if err != nil {
		r.logger.Warn("completion subscribe failed", "error", err)
		return
	}
	// wait for the subscription confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		r.logger.Warn("completion subscribe failed", "error", err)
		pubsub.Close()
		return
	}
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var evt completionMessage
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					r.logger.Warn("completion decode failed", "error", err)
					continue
				}
				handler(evt)
			}
		}
	}()
}

func (r *completionEvents) publishCompletion(ctx context.Context, sessionID int64) {
	if r == nil {
		return
	}
	payload, err := json.Marshal(completionMessage{SessionID: sessionID})
	if err != nil {
		r.logger.Warn("completion marshal failed", "error", err)
		return
	}
	if err := r.client.Publish(ctx, redisCompletionChannel, payload); err != nil {
		r.logger.Warn("completion publish failed", "session_id", sessionID, "error", err)
	}
}
