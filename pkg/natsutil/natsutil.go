// Package natsutil provides typed JSON publish/subscribe/request helpers over
// NATS with OpenTelemetry trace propagation and redelivery bookkeeping.
package natsutil

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// HeaderRetryCount carries how many times a message has been redelivered.
const HeaderRetryCount = "X-Retry-Count"

// natsHeaderCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type natsHeaderCarrier nats.Msg

func (c *natsHeaderCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *natsHeaderCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *natsHeaderCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// NewMsg encodes v as JSON into a message for subject, with the trace context
// of ctx injected into its headers.
func NewMsg[T any](ctx context.Context, subject string, v T) (*nats.Msg, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("natsutil: encode %s: %w", subject, err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(msg))
	return msg, nil
}

// Publish serializes v as JSON and publishes to the given subject.
func Publish[T any](ctx context.Context, nc *nats.Conn, subject string, v T) error {
	msg, err := NewMsg(ctx, subject, v)
	if err != nil {
		return err
	}
	return nc.PublishMsg(msg)
}

// Handler receives a decoded message with its trace context. The raw message
// is passed along for header access.
type Handler[T any] func(ctx context.Context, v T, msg *nats.Msg)

// Subscribe registers a handler that deserializes JSON messages of type T.
// Malformed messages are passed to onMalformed when it is non-nil and
// otherwise dropped.
func Subscribe[T any](nc *nats.Conn, subject string, handler Handler[T], onMalformed func(*nats.Msg, error)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			if onMalformed != nil {
				onMalformed(msg, err)
			}
			return
		}
		ctx := otel.GetTextMapPropagator().Extract(context.Background(), (*natsHeaderCarrier)(msg))
		handler(ctx, v, msg)
	})
}

// Request sends a JSON-encoded request and decodes the response. Without a
// deadline on ctx, nats.DefaultTimeout applies.
func Request[Req, Resp any](ctx context.Context, nc *nats.Conn, subject string, req Req) (Resp, error) {
	var zero Resp
	msg, err := NewMsg(ctx, subject, req)
	if err != nil {
		return zero, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, nats.DefaultTimeout)
		defer cancel()
	}
	resp, err := nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return zero, fmt.Errorf("natsutil: request %s: %w", subject, err)
	}
	var result Resp
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return zero, fmt.Errorf("natsutil: decode reply %s: %w", subject, err)
	}
	return result, nil
}

// Reply encodes v as JSON and responds to msg.
func Reply[T any](msg *nats.Msg, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("natsutil: encode reply: %w", err)
	}
	return msg.Respond(data)
}

// RetryCount reads HeaderRetryCount; absent or malformed counts as zero.
func RetryCount(msg *nats.Msg) int {
	if msg == nil || msg.Header == nil {
		return 0
	}
	n, err := strconv.Atoi(msg.Header.Get(HeaderRetryCount))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Redeliver republishes msg's payload and headers to its subject with the
// retry count set to n.
func Redeliver(nc *nats.Conn, msg *nats.Msg, n int) error {
	out := nats.NewMsg(msg.Subject)
	out.Data = msg.Data
	for k, vs := range msg.Header {
		for _, v := range vs {
			out.Header.Add(k, v)
		}
	}
	out.Header.Set(HeaderRetryCount, strconv.Itoa(n))
	return nc.PublishMsg(out)
}
