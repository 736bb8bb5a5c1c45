// Package events publishes session lifecycle events. Events never carry a decrypted balance.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidConfig = errors.New("events: invalid config")

const (
	EventVersion = "portfolio.event.v1"
	DefaultTopic = "portfolio.session.events"
)

type Type string

const (
	TypeClaimed         Type = "claimed"
	TypeSkipped         Type = "skipped"
	TypeBack            Type = "back"
	TypeDepositApproved Type = "deposit_approved"
	TypeDeposited       Type = "deposited"
	TypeRevealed        Type = "revealed"
	TypeLoggedOut       Type = "logged_out"
)

// Event is the wire form of one session event.
type Event struct {
	Version   string    `json:"version"`
	Type      Type      `json:"type"`
	SessionID string    `json:"sessionId"`
	Wallet    string    `json:"wallet"`
	ChainID   uint64    `json:"chainId"`
	Step      string    `json:"step"`
	Amount    uint64    `json:"amount,omitempty"`
	TxHash    string    `json:"txHash,omitempty"`
	Block     uint64    `json:"blockNumber,omitempty"`
	Handle    string    `json:"handle,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher encodes events and hands them to a Producer, keyed by session id.
type Publisher struct {
	producer Producer
	topic    string
}

func NewPublisher(p Producer, topic string) (*Publisher, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil producer", ErrInvalidConfig)
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{producer: p, topic: topic}, nil
}

func (p *Publisher) Publish(ctx context.Context, e Event) error {
	if e.Type == "" || e.SessionID == "" {
		return fmt.Errorf("%w: event type and session id required", ErrInvalidConfig)
	}
	if e.Version == "" {
		e.Version = EventVersion
	}
	e.At = e.At.UTC()
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}
	rec := Record{Topic: p.topic, Key: []byte(e.SessionID), Type: string(e.Type), Value: b}
	if err := p.producer.Produce(ctx, rec); err != nil {
		return fmt.Errorf("events: publish %s: %w", e.Type, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.producer.Close()
}
