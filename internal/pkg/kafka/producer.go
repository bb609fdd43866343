package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/Gopher0727/Cicero/config"
	"github.com/Gopher0727/Cicero/internal/pkg/feed"
	"github.com/Gopher0727/Cicero/internal/pkg/metrics"
)

// Producer writes committed changes to the change topic.
// Messages are keyed by group id so that changes of one group keep their order.
type Producer struct {
	producer sarama.SyncProducer
	topic    string
	log      *zap.Logger
}

// NewSaramaConfig returns the producer settings shared by the change producer
// and the relay.
func NewSaramaConfig(cfg *config.KafkaConfig) *sarama.Config {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V2_6_0_0
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = cfg.Producer.MaxRetries
	saramaConfig.Producer.Retry.Backoff = time.Duration(cfg.Producer.RetryBackoffMs) * time.Millisecond
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Producer.Idempotent = true
	saramaConfig.Net.MaxOpenRequests = 1

	// Set connection timeouts to prevent hanging
	saramaConfig.Net.DialTimeout = 10 * time.Second
	saramaConfig.Net.ReadTimeout = 10 * time.Second
	saramaConfig.Net.WriteTimeout = 10 * time.Second
	saramaConfig.Metadata.Retry.Max = 3
	saramaConfig.Metadata.Retry.Backoff = 250 * time.Millisecond
	saramaConfig.Metadata.Timeout = 10 * time.Second

	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true
	return saramaConfig
}

// NewProducer connects to the brokers in cfg.
func NewProducer(cfg *config.KafkaConfig, log *zap.Logger) (*Producer, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewSaramaConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewProducerWith(producer, cfg.Topic, log), nil
}

// NewProducerWith wraps an existing sync producer.
func NewProducerWith(producer sarama.SyncProducer, topic string, log *zap.Logger) *Producer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Producer{producer: producer, topic: topic, log: log.Named("kafka")}
}

// Publish implements feed.Publisher. All changes are sent in one batch.
func (p *Producer) Publish(ctx context.Context, changes ...feed.Change) error {
	if len(changes) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msgs := make([]*sarama.ProducerMessage, 0, len(changes))
	for _, c := range changes {
		if err := c.Validate(); err != nil {
			return err
		}
		data, err := feed.Encode(c)
		if err != nil {
			return fmt.Errorf("failed to encode change: %w", err)
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: p.topic,
			Key:   sarama.StringEncoder(c.Key()),
			Value: sarama.ByteEncoder(data),
		})
	}

	if err := p.producer.SendMessages(msgs); err != nil {
		return fmt.Errorf("failed to send changes to topic %s: %w", p.topic, err)
	}
	metrics.FeedPublished.WithLabelValues("kafka").Add(float64(len(msgs)))
	p.log.Debug("changes produced", zap.String("topic", p.topic), zap.Int("count", len(msgs)))
	return nil
}

// Close closes the Kafka producer and releases all resources.
func (p *Producer) Close() error {
	if p.producer != nil {
		if err := p.producer.Close(); err != nil {
			return fmt.Errorf("failed to close kafka producer: %w", err)
		}
	}
	return nil
}
