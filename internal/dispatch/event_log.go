package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/protocol"
)

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventLog appends every outbound event to a Kafka topic so downstream
// consumers (analytics, support tooling) can replay what parties were told.
type EventLog struct {
	writer MessageWriter
	logger *slog.Logger
	now    func() time.Time
}

type loggedEvent struct {
	Audience  string          `json:"audience"`
	Recipient string          `json:"recipient,omitempty"`
	Type      string          `json:"type"`
	At        time.Time       `json:"at"`
	Payload   json.RawMessage `json:"payload"`
}

func NewEventLog(brokers []string, topic string, logger *slog.Logger) *EventLog {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}, Async: true})
	return NewEventLogWithWriter(w, logger)
}

func NewEventLogWithWriter(w MessageWriter, logger *slog.Logger) *EventLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLog{writer: w, logger: logger.With("component", "event_log"), now: time.Now}
}

func (l *EventLog) BroadcastToDrivers(ev protocol.Event) { l.write("drivers", "", ev) }

func (l *EventLog) SendToRider(riderID string, ev protocol.Event) { l.write("rider", riderID, ev) }

func (l *EventLog) SendToDriver(driverID string, ev protocol.Event) { l.write("driver", driverID, ev) }

func (l *EventLog) write(audience, recipient string, ev protocol.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		l.logger.Error("encode event", "type", ev.EventType(), "error", err)
		return
	}
	b, err := json.Marshal(loggedEvent{Audience: audience, Recipient: recipient, Type: ev.EventType(), At: l.now().UTC(), Payload: payload})
	if err != nil {
		l.logger.Error("encode log record", "error", err)
		return
	}
	key := recipient
	if key == "" {
		key = ev.EventType()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b}); err != nil {
		l.logger.Warn("event log write failed", "type", ev.EventType(), "error", err)
	}
}

func (l *EventLog) Close() error {
	if l.writer == nil {
		return nil
	}
	return l.writer.Close()
}
