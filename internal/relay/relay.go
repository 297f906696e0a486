// Package relay implements the producer/consumer hand-off that
// correlates a query with its eventual answer. One turn runs strict
// phases (send-query, fetch-query, generate, send-answer, fetch-answer)
// all tied together by a single random message id.
//
// Transport failures retry with bounded backoff; a fetched message
// whose id does not match the expected one is terminal for the turn
// and is never surfaced as the answer.
package relay

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/coursechat/backend/internal/fault"
	"github.com/coursechat/backend/internal/metrics"
	"github.com/coursechat/backend/internal/retry"
)

// Relay topics, doubling as envelope types.
const (
	TopicQuery  = "query"
	TopicAnswer = "answer"
)

// Envelope is the unit carried across the relay bus. MessageID is the
// correlation key for one round trip and is unique per turn.
type Envelope struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	MessageID string `json:"message_id"`
	Type      string `json:"type"`
	Payload   string `json:"payload"`
}

// Producer publishes envelopes onto the relay bus.
type Producer interface {
	Send(ctx context.Context, env Envelope) error
}

// Consumer fetches the envelope with the given message id from a
// topic. Implementations must support fetch-by-id; returning whatever
// message is newest on the topic breaks correlation as soon as two
// turns are in flight.
type Consumer interface {
	Fetch(ctx context.Context, topic, messageID string) (Envelope, error)
}

// Client drives the four-phase round trip.
type Client struct {
	producer Producer
	consumer Consumer
	policy   retry.Policy
	timeout  time.Duration // per-attempt timeout for network phases
}

// NewClient builds a Client with the given retry policy and
// per-attempt timeout.
func NewClient(p Producer, c Consumer, policy retry.Policy, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{producer: p, consumer: c, policy: policy, timeout: timeout}
}

// RoundTrip executes one correlated turn. The generate callback runs
// between the query and answer legs; it is the caller's collaborator
// and is not retried here. Completed phases are never rolled back: a
// failure in a later phase surfaces a single error for the turn.
func (c *Client) RoundTrip(ctx context.Context, sessionID, userID, query string, generate func(context.Context) (string, error)) (string, error) {
	start := time.Now()
	messageID := uuid.New().String()

	answer, err := c.roundTrip(ctx, sessionID, userID, messageID, query, generate)
	switch {
	case err == nil:
		metrics.RelayRoundTrips.WithLabelValues("ok").Inc()
		metrics.RelayLatency.Observe(time.Since(start).Seconds())
	case errors.Is(err, fault.ErrCorrelation):
		metrics.RelayRoundTrips.WithLabelValues("mismatch").Inc()
	default:
		metrics.RelayRoundTrips.WithLabelValues("transport_error").Inc()
	}
	return answer, err
}

func (c *Client) roundTrip(ctx context.Context, sessionID, userID, messageID, query string, generate func(context.Context) (string, error)) (string, error) {
	env := Envelope{
		SessionID: sessionID,
		UserID:    userID,
		MessageID: messageID,
		Type:      TopicQuery,
		Payload:   query,
	}
	if err := c.send(ctx, env); err != nil {
		return "", err
	}
	if _, err := c.fetch(ctx, TopicQuery, messageID); err != nil {
		return "", err
	}

	answer, err := generate(ctx)
	if err != nil {
		return "", err
	}

	env.Type = TopicAnswer
	env.Payload = answer
	if err := c.send(ctx, env); err != nil {
		return "", err
	}
	fetched, err := c.fetch(ctx, TopicAnswer, messageID)
	if err != nil {
		return "", err
	}
	return fetched.Payload, nil
}

// send runs one producer phase under the retry policy.
func (c *Client) send(ctx context.Context, env Envelope) error {
	return c.policy.Do(ctx, "relay send "+env.Type, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return c.producer.Send(attemptCtx, env)
	})
}

// fetch runs one consumer phase under the retry policy and verifies
// the correlation id on whatever comes back. A mismatch aborts the
// phase without further attempts.
func (c *Client) fetch(ctx context.Context, topic, messageID string) (Envelope, error) {
	var env Envelope
	err := c.policy.Do(ctx, "relay fetch "+topic, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		fetched, err := c.consumer.Fetch(attemptCtx, topic, messageID)
		if err != nil {
			return err
		}
		if fetched.MessageID != messageID {
			return fault.Correlation(topic, messageID, fetched.MessageID)
		}
		env = fetched
		return nil
	})
	return env, err
}
