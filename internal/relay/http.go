package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coursechat/backend/internal/fault"
)

// HTTPProducer posts envelopes to the external producer service as a
// form-encoded /send_message request, the wire format that service
// expects.
type HTTPProducer struct {
	base   string
	client *http.Client
}

// NewHTTPProducer creates a producer for the service at base.
func NewHTTPProducer(base string, client *http.Client) *HTTPProducer {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProducer{base: strings.TrimRight(base, "/"), client: client}
}

// Send implements Producer.
func (p *HTTPProducer) Send(ctx context.Context, env Envelope) error {
	form := url.Values{
		"session_id": {env.SessionID},
		"user_id":    {env.UserID},
		"message_id": {env.MessageID},
		"type":       {env.Type},
		"message":    {env.Payload},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+"/send_message", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("relay: build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fault.Transport("producer send", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fault.Transportf("producer send: status %d", resp.StatusCode)
	}
	return nil
}

// HTTPConsumer fetches envelopes from the external consumer service by
// topic and message id.
type HTTPConsumer struct {
	base   string
	client *http.Client
}

// NewHTTPConsumer creates a consumer for the service at base.
func NewHTTPConsumer(base string, client *http.Client) *HTTPConsumer {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPConsumer{base: strings.TrimRight(base, "/"), client: client}
}

// consumerMessage is one element of the consumer service's response,
// which wraps each envelope in a "value" object and carries the
// payload under "message".
type consumerMessage struct {
	Value struct {
		SessionID string `json:"session_id"`
		UserID    string `json:"user_id"`
		MessageID string `json:"message_id"`
		Type      string `json:"type"`
		Payload   string `json:"message"`
	} `json:"value"`
}

type consumerResponse struct {
	Count    int               `json:"count"`
	Messages []consumerMessage `json:"messages"`
}

// Fetch implements Consumer. A fetch that finds no message yet is a
// transport-class failure, so the client's backoff gives the bus time
// to deliver; an id mismatch is left for the client to classify.
func (c *HTTPConsumer) Fetch(ctx context.Context, topic, messageID string) (Envelope, error) {
	q := url.Values{
		"topic":      {topic},
		"message_id": {messageID},
		"limit":      {"1"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/messages?"+q.Encode(), nil)
	if err != nil {
		return Envelope{}, fmt.Errorf("relay: build fetch request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Envelope{}, fault.Transport("consumer fetch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Envelope{}, fault.Transportf("consumer fetch: status %d", resp.StatusCode)
	}

	var out consumerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Envelope{}, fmt.Errorf("relay: decode fetch response: %w", err)
	}
	if out.Count == 0 || len(out.Messages) == 0 {
		return Envelope{}, fault.Transportf("consumer fetch: message %s not yet on topic %s", messageID, topic)
	}

	v := out.Messages[0].Value
	return Envelope{
		SessionID: v.SessionID,
		UserID:    v.UserID,
		MessageID: v.MessageID,
		Type:      v.Type,
		Payload:   v.Payload,
	}, nil
}
