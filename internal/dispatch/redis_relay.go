package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/protocol"
)

// Publisher is the slice of the redis client the relay publishes with.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type relayScope string

const (
	scopeDrivers relayScope = "drivers"
	scopeDriver  relayScope = "driver"
	scopeRider   relayScope = "rider"
)

type relayEnvelope struct {
	Scope   relayScope      `json:"scope"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// RedisRelay fans events out over a pub/sub channel so that parties
// connected to any instance receive them. Every instance runs Subscribe and
// delivers what it hears to its local hub, including its own publications.
// A relay without a hub only publishes, for processes that hold no sockets.
type RedisRelay struct {
	pub     Publisher
	channel string
	local   *Hub
	logger  *slog.Logger
}

func NewRedisRelay(pub Publisher, channel string, local *Hub, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{pub: pub, channel: channel, local: local, logger: logger.With("component", "redis_relay")}
}

func (r *RedisRelay) BroadcastToDrivers(ev protocol.Event) { r.publish(scopeDrivers, "", ev) }

func (r *RedisRelay) SendToRider(riderID string, ev protocol.Event) {
	r.publish(scopeRider, riderID, ev)
}

func (r *RedisRelay) SendToDriver(driverID string, ev protocol.Event) {
	r.publish(scopeDriver, driverID, ev)
}

func (r *RedisRelay) publish(scope relayScope, id string, ev protocol.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("encode event", "type", ev.EventType(), "error", err)
		return
	}
	env := relayEnvelope{Scope: scope, ID: id, Payload: payload}
	data, err := json.Marshal(env)
	if err != nil {
		r.logger.Error("encode envelope", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.pub.Publish(ctx, r.channel, data).Err(); err != nil {
		// at least reach the parties connected here
		r.logger.Warn("relay publish failed, delivering locally", "scope", scope, "error", err)
		r.deliver(env)
	}
}

func (r *RedisRelay) deliver(env relayEnvelope) {
	if r.local == nil {
		return
	}
	switch env.Scope {
	case scopeDrivers:
		r.local.broadcastRaw(env.Payload)
	case scopeDriver:
		_ = r.local.sendRaw(RoleDriver, env.ID, env.Payload)
	case scopeRider:
		_ = r.local.sendRaw(RoleRider, env.ID, env.Payload)
	default:
		r.logger.Warn("unknown relay scope", "scope", env.Scope)
	}
}

func (r *RedisRelay) handle(msg string) {
	var env relayEnvelope
	if err := json.Unmarshal([]byte(msg), &env); err != nil {
		r.logger.Warn("invalid relay message", "error", err)
		return
	}
	r.deliver(env)
}

// Subscribe consumes the relay channel until ctx is cancelled.
func (r *RedisRelay) Subscribe(ctx context.Context, client *redis.Client) error {
	sub := client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(m.Payload)
		}
	}
}
