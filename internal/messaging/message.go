// Package messaging moves notification events over Kafka with trace context
// propagated in message headers.
package messaging

import (
	"errors"

	"github.com/segmentio/kafka-go"
)

// HeaderEventType names the header holding the event type of a message.
const HeaderEventType = "event-type"

// Message is a pre-serialized event. Value is published as is.
type Message struct {
	Key       string
	EventType string
	Value     []byte
}

func toKafka(m Message) kafka.Message {
	msg := kafka.Message{Key: []byte(m.Key), Value: m.Value}
	if m.EventType != "" {
		NewHeaderCarrier(&msg).Set(HeaderEventType, m.EventType)
	}
	return msg
}

func fromKafka(msg *kafka.Message) Message {
	return Message{
		Key:       string(msg.Key),
		EventType: NewHeaderCarrier(msg).Get(HeaderEventType),
		Value:     msg.Value,
	}
}

// HeaderCarrier adapts Kafka headers to propagation.TextMapCarrier.
type HeaderCarrier struct {
	msg *kafka.Message
}

func NewHeaderCarrier(msg *kafka.Message) *HeaderCarrier {
	return &HeaderCarrier{msg: msg}
}

func (c *HeaderCarrier) Get(key string) string {
	for _, h := range c.msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *HeaderCarrier) Set(key, value string) {
	for i, h := range c.msg.Headers {
		if h.Key == key {
			c.msg.Headers[i].Value = []byte(value)
			return
		}
	}
	c.msg.Headers = append(c.msg.Headers, kafka.Header{Key: key, Value: []byte(value)})
}

func (c *HeaderCarrier) Keys() []string {
	keys := make([]string, len(c.msg.Headers))
	for i, h := range c.msg.Headers {
		keys[i] = h.Key
	}
	return keys
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error that redelivery cannot fix. The consumer
// logs it and commits the offset instead of stopping.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
