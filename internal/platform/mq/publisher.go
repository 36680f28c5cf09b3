package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/montylab/simorch/internal/domain"
)

const MessageTypeRunLog = "run.log"

type Message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   domain.LogEntry `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

func NewLogMessage(entry domain.LogEntry) Message {
	return Message{
		ID:        uuid.NewString(),
		Type:      MessageTypeRunLog,
		Payload:   entry,
		Timestamp: entry.Timestamp,
	}
}

// RoutingKey returns "run.<run-id>.<level>" with dots in the id replaced so
// topic wildcards keep working.
func RoutingKey(entry domain.LogEntry) string {
	id := strings.ReplaceAll(entry.RunID, ".", "_")
	return fmt.Sprintf("run.%s.%s", id, strings.ToLower(string(entry.Level)))
}

// Publisher forwards run log entries to the events exchange.
type Publisher struct {
	conn    *Connection
	logger  *slog.Logger
	timeout time.Duration
}

func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	return &Publisher{conn: conn, logger: logger, timeout: 5 * time.Second}
}

// Publish never blocks the caller for longer than the publish timeout and
// never fails it. Broker errors are logged.
func (p *Publisher) Publish(ctx context.Context, entry domain.LogEntry) {
	if err := p.PublishLog(ctx, entry); err != nil {
		p.logger.Warn("publish run log failed", "run_id", entry.RunID, "log_id", entry.ID, "error", err)
	}
}

func (p *Publisher) PublishLog(ctx context.Context, entry domain.LogEntry) error {
	msg := NewLogMessage(entry)
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	key := RoutingKey(entry)
	return p.conn.WithChannel(func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(ctx, ExchangeEvents, key, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Timestamp:    msg.Timestamp,
			Type:         msg.Type,
			Body:         body,
		})
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", ExchangeEvents, key, err)
		}
		p.logger.Debug("published run log", "routing_key", key, "message_id", msg.ID)
		return nil
	})
}
