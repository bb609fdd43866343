package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/Gopher0727/Cicero/config"
	"github.com/Gopher0727/Cicero/internal/pkg/feed"
)

const (
	relayMaxRetries = 3
	relayBackoff    = 100 * time.Millisecond
)

// Relay consumes the change topic and republishes every change to the live
// feed. Undecodable messages are logged and skipped.
type Relay struct {
	group  sarama.ConsumerGroup
	topics []string
	out    feed.Publisher
	log    *zap.Logger

	ready  chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewRelay joins the consumer group configured in cfg.
func NewRelay(cfg *config.KafkaConfig, out feed.Publisher, log *zap.Logger) (*Relay, error) {
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, NewSaramaConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer group: %w", err)
	}
	return NewRelayWith(group, []string{cfg.Topic}, out, log), nil
}

func NewRelayWith(group sarama.ConsumerGroup, topics []string, out feed.Publisher, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		group:  group,
		topics: topics,
		out:    out,
		log:    log.Named("relay"),
		ready:  make(chan struct{}),
	}
}

// Start consumes in the background until Stop is called or ctx ends. It
// returns once the first session is set up.
func (r *Relay) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		for {
			if err := r.group.Consume(ctx, r.topics, r); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				r.log.Error("consume failed", zap.Error(err))
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	go func() {
		defer r.wg.Done()
		for {
			select {
			case err, ok := <-r.group.Errors():
				if !ok {
					return
				}
				r.log.Warn("consumer group error", zap.Error(err))
			case <-ctx.Done():
				return
			}
		}
	}()

	select {
	case <-r.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops consuming and closes the consumer group.
func (r *Relay) Stop() error {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	if err := r.group.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer group: %w", err)
	}
	return nil
}

// Setup is run at the beginning of a new session, before ConsumeClaim.
func (r *Relay) Setup(sarama.ConsumerGroupSession) error {
	r.once.Do(func() { close(r.ready) })
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited.
func (r *Relay) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim republishes messages of one partition in order.
func (r *Relay) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			if err := r.handle(session.Context(), message); err != nil {
				r.log.Error("change dropped",
					zap.String("topic", message.Topic),
					zap.Int32("partition", message.Partition),
					zap.Int64("offset", message.Offset),
					zap.Error(err))
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// handle decodes one message and publishes it, retrying transient failures
// with exponential backoff.
func (r *Relay) handle(ctx context.Context, message *sarama.ConsumerMessage) error {
	change, err := feed.Decode(message.Value)
	if err != nil {
		return err
	}

	backoff := relayBackoff
	var lastErr error
	for attempt := 0; attempt <= relayMaxRetries; attempt++ {
		if lastErr = r.out.Publish(ctx, change); lastErr == nil {
			return nil
		}
		if attempt == relayMaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("failed to relay change after %d attempts: %w", relayMaxRetries+1, lastErr)
}
