package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/coursechat/backend/internal/fault"
)

// subjectPrefix namespaces relay traffic on the NATS server.
const subjectPrefix = "relay."

// NATSRelay implements Producer and Consumer on a NATS connection.
// Instead of polling, arriving envelopes resolve completion futures
// keyed by topic and message id, so a fetch can only ever observe its
// own message.
type NATSRelay struct {
	conn *nats.Conn

	mu      sync.Mutex
	waiters map[string]chan Envelope // fetch arrived first
	pending map[string]Envelope      // message arrived first
	subs    []*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "coursechat-relay",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSRelay connects to NATS and subscribes to both relay topics.
func NewNATSRelay(config NATSConfig) (*NATSRelay, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[relay] nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[relay] nats reconnected to %s", nc.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("relay: nats connect: %w", err)
	}

	r := &NATSRelay{
		conn:    nc,
		waiters: make(map[string]chan Envelope),
		pending: make(map[string]Envelope),
	}

	for _, topic := range []string{TopicQuery, TopicAnswer} {
		sub, err := nc.Subscribe(subjectPrefix+topic, r.deliver)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("relay: nats subscribe %s: %w", topic, err)
		}
		r.subs = append(r.subs, sub)
	}

	log.Printf("[relay] nats connected to %s", nc.ConnectedUrl())
	return r, nil
}

// Send implements Producer by publishing the envelope to its topic
// subject.
func (r *NATSRelay) Send(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("relay: marshal envelope: %w", err)
	}
	if err := r.conn.Publish(subjectPrefix+env.Type, data); err != nil {
		return fault.Transport("nats publish", err)
	}
	return nil
}

// Fetch implements Consumer. It resolves as soon as the envelope with
// the given id arrives on the topic, whether that happened before or
// after the call.
func (r *NATSRelay) Fetch(ctx context.Context, topic, messageID string) (Envelope, error) {
	key := topic + "/" + messageID

	r.mu.Lock()
	if env, ok := r.pending[key]; ok {
		delete(r.pending, key)
		r.mu.Unlock()
		return env, nil
	}
	ch := make(chan Envelope, 1)
	r.waiters[key] = ch
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.waiters, key)
		r.mu.Unlock()
	}()

	select {
	case env := <-ch:
		return env, nil
	case <-ctx.Done():
		return Envelope{}, fault.Transportf("nats fetch %s: %v", key, ctx.Err())
	}
}

// deliver routes an arriving envelope to its waiter, or parks it until
// the fetch for its id shows up.
func (r *NATSRelay) deliver(msg *nats.Msg) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		log.Printf("[relay] drop malformed envelope on %s: %v", msg.Subject, err)
		return
	}
	key := env.Type + "/" + env.MessageID

	r.mu.Lock()
	if ch, ok := r.waiters[key]; ok {
		delete(r.waiters, key)
		r.mu.Unlock()
		ch <- env
		return
	}
	r.pending[key] = env
	r.mu.Unlock()
}

// Close drains the subscriptions and the connection.
func (r *NATSRelay) Close() {
	for _, sub := range r.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[relay] drain subscription: %v", err)
		}
	}
	if err := r.conn.Drain(); err != nil {
		log.Printf("[relay] drain connection: %v", err)
	}
}
