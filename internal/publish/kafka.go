package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"ghostwall/internal/config"
)

// ErrSinkClosed is returned by a sink after Close.
var ErrSinkClosed = errors.New("publish: sink is closed")

const (
	kafkaMaxRetries   = 3
	kafkaRetryBackoff = 100 * time.Millisecond
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type producerMetrics struct {
	messagesProduced atomic.Int64
	bytesProduced    atomic.Int64
	errors           atomic.Int64
	retries          atomic.Int64
}

// KafkaMetrics holds kafka sink counters.
type KafkaMetrics struct {
	MessagesProduced int64 `json:"messages_produced"`
	BytesProduced    int64 `json:"bytes_produced"`
	Errors           int64 `json:"errors"`
	Retries          int64 `json:"retries"`
}

// KafkaSink writes actions and events to two kafka topics, keyed by
// source address so one attacker's records stay ordered in a partition.
type KafkaSink struct {
	writer       messageWriter
	actionsTopic string
	eventsTopic  string
	maxRetries   int
	backoff      time.Duration
	logger       *slog.Logger
	metrics      producerMetrics
	closed       atomic.Bool
}

// NewKafkaSink creates a kafka sink.
func NewKafkaSink(cfg config.KafkaConfig, logger *slog.Logger) (*KafkaSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if cfg.ActionsTopic == "" || cfg.EventsTopic == "" {
		return nil, errors.New("kafka: actions and events topics are required")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		MaxAttempts:  1,
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Zstd,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}

	logger.Info("kafka publisher initialized",
		"brokers", cfg.Brokers,
		"actions_topic", cfg.ActionsTopic,
		"events_topic", cfg.EventsTopic,
	)
	return newKafkaSink(writer, cfg.ActionsTopic, cfg.EventsTopic, logger), nil
}

func newKafkaSink(w messageWriter, actionsTopic, eventsTopic string, logger *slog.Logger) *KafkaSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSink{
		writer:       w,
		actionsTopic: actionsTopic,
		eventsTopic:  eventsTopic,
		maxRetries:   kafkaMaxRetries,
		backoff:      kafkaRetryBackoff,
		logger:       logger,
	}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) topic(kind Kind) string {
	if kind == KindAction {
		return k.actionsTopic
	}
	return k.eventsTopic
}

// Send writes msgs, retrying with exponential backoff.
func (k *KafkaSink) Send(ctx context.Context, msgs []Message) error {
	if k.closed.Load() {
		return ErrSinkClosed
	}
	out := make([]kafka.Message, len(msgs))
	for i, m := range msgs {
		out[i] = kafka.Message{
			Topic: k.topic(m.Kind),
			Key:   []byte(m.Key),
			Value: m.Value,
			Time:  m.Time,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(m.Type)},
			},
		}
	}

	var lastErr error
	backoff := k.backoff
	for attempt := 0; attempt <= k.maxRetries; attempt++ {
		if attempt > 0 {
			k.metrics.retries.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := k.writer.WriteMessages(ctx, out...)
		if err == nil {
			for _, m := range out {
				k.metrics.messagesProduced.Add(1)
				k.metrics.bytesProduced.Add(int64(len(m.Value) + len(m.Key)))
			}
			return nil
		}

		lastErr = err
		k.metrics.errors.Add(1)
		k.logger.Warn("kafka produce failed",
			"error", err,
			"attempt", attempt+1,
			"max_attempts", k.maxRetries+1,
		)
		if isNonRetryableError(err) {
			return fmt.Errorf("kafka: non-retryable error: %w", err)
		}
	}
	return fmt.Errorf("kafka: failed after %d attempts: %w", k.maxRetries+1, lastErr)
}

// Metrics returns kafka sink counters.
func (k *KafkaSink) Metrics() KafkaMetrics {
	return KafkaMetrics{
		MessagesProduced: k.metrics.messagesProduced.Load(),
		BytesProduced:    k.metrics.bytesProduced.Load(),
		Errors:           k.metrics.errors.Load(),
		Retries:          k.metrics.retries.Load(),
	}
}

// Close flushes buffered messages and closes the writer.
func (k *KafkaSink) Close() error {
	if k.closed.Swap(true) {
		return nil
	}
	k.logger.Info("closing kafka publisher",
		"messages_produced", k.metrics.messagesProduced.Load(),
		"bytes_produced", k.metrics.bytesProduced.Load(),
	)
	if err := k.writer.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close writer: %w", err)
	}
	return nil
}

// isNonRetryableError reports errors that retrying cannot fix.
func isNonRetryableError(err error) bool {
	for _, target := range []kafka.Error{
		kafka.MessageSizeTooLarge,
		kafka.InvalidTopic,
		kafka.TopicAuthorizationFailed,
		kafka.ClusterAuthorizationFailed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
