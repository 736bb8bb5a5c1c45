package events

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"
	DriverNone  = "none"
)

const (
	envKafkaTLS = "PORTFOLIO_EVENTS_KAFKA_TLS"

	// headerType names the kafka header carrying the event type, so consumers can filter
	// without decoding the payload.
	headerType = "event-type"
)

// Record is one encoded event on its way to a topic.
type Record struct {
	Topic string
	Key   []byte
	Type  string
	Value []byte
}

type Producer interface {
	Produce(ctx context.Context, r Record) error
	Close() error
}

type ProducerConfig struct {
	// Driver is kafka, stdio (the default) or none.
	Driver string

	Brokers      []string
	BatchTimeout time.Duration
	WriteTimeout time.Duration

	// Writer receives stdio output; defaults to os.Stdout.
	Writer io.Writer
}

func NewProducer(cfg ProducerConfig) (Producer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverStdio:
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		return &lineProducer{w: w}, nil
	case DriverKafka:
		kp, err := newKafkaProducer(cfg)
		if err != nil {
			return nil, err
		}
		return kp, nil
	case DriverNone:
		return discardProducer{}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported events driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

// SplitCommaList parses a flag value like "b1:9092, b2:9092".
func SplitCommaList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func kafkaTLSEnabled() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(envKafkaTLS))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

type kafkaProducer struct {
	writer *kafka.Writer
}

func newKafkaProducer(cfg ProducerConfig) (*kafkaProducer, error) {
	var brokers []string
	for _, b := range cfg.Brokers {
		brokers = append(brokers, SplitCommaList(b)...)
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka needs at least one broker", ErrInvalidConfig)
	}

	w := &kafka.Writer{
		Addr: kafka.TCP(brokers...),
		// Keyed by session id: one session's events land on one partition in order.
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireAll,
	}
	if cfg.BatchTimeout > 0 {
		w.BatchTimeout = cfg.BatchTimeout
	}
	if cfg.WriteTimeout > 0 {
		w.WriteTimeout = cfg.WriteTimeout
	}
	if kafkaTLSEnabled() {
		w.Transport = &kafka.Transport{TLS: &tls.Config{MinVersion: tls.VersionTLS12}}
	}
	return &kafkaProducer{writer: w}, nil
}

func (p *kafkaProducer) Produce(ctx context.Context, r Record) error {
	if strings.TrimSpace(r.Topic) == "" {
		return fmt.Errorf("%w: empty topic", ErrInvalidConfig)
	}
	msg := kafka.Message{Topic: r.Topic, Key: r.Key, Value: r.Value}
	if r.Type != "" {
		msg.Headers = []kafka.Header{{Key: headerType, Value: []byte(r.Type)}}
	}
	return p.writer.WriteMessages(ctx, msg)
}

func (p *kafkaProducer) Close() error { return p.writer.Close() }

// lineProducer writes each record value as one line. Topic and key are dropped; the value
// already carries the session id.
type lineProducer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *lineProducer) Produce(_ context.Context, r Record) error {
	line := make([]byte, 0, len(r.Value)+1)
	line = append(append(line, r.Value...), '\n')

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.w.Write(line)
	return err
}

func (p *lineProducer) Close() error { return nil }

type discardProducer struct{}

func (discardProducer) Produce(context.Context, Record) error { return nil }
func (discardProducer) Close() error                          { return nil }
