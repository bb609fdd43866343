package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Gopher0727/Cicero/internal/pkg/metrics"
)

const eventBuffer = 64

// Event 订阅收到的一条消息；解码失败时 Err 非空
type Event struct {
	Channel string
	Change  Change
	Err     error
}

// RedisFeed 基于 Redis pub/sub 的变更推送
type RedisFeed struct {
	rdb redis.UniversalClient
	log *zap.Logger
}

func NewRedisFeed(rdb redis.UniversalClient, log *zap.Logger) *RedisFeed {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisFeed{rdb: rdb, log: log}
}

// Publish 将变更推送到各自的频道，一次 pipeline 提交
func (f *RedisFeed) Publish(ctx context.Context, changes ...Change) error {
	if len(changes) == 0 {
		return nil
	}
	pipe := f.rdb.Pipeline()
	for _, c := range changes {
		if err := c.Validate(); err != nil {
			return err
		}
		data, err := Encode(c)
		if err != nil {
			return fmt.Errorf("failed to encode change: %w", err)
		}
		for _, ch := range c.Channels() {
			pipe.Publish(ctx, ch, data)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish changes: %w", err)
	}
	metrics.FeedPublished.WithLabelValues("redis").Add(float64(len(changes)))
	return nil
}

// Subscribe 订阅频道，返回前等待服务端确认
func (f *RedisFeed) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	if len(channels) == 0 {
		return nil, errors.New("subscribe: no channels")
	}
	ps := f.rdb.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to channels: %w", err)
	}

	s := &Subscription{
		ps:      ps,
		log:     f.log,
		events:  make(chan Event, eventBuffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.pump()
	return s, nil
}

// Subscription 一个活跃订阅。Close 之后不会再投递任何事件。
type Subscription struct {
	ps  *redis.PubSub
	log *zap.Logger

	events  chan Event
	done    chan struct{}
	stopped chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Watch 动态追加频道。服务端确认异步到达，调用方应在 Watch 之后重新拉取一次状态。
func (s *Subscription) Watch(ctx context.Context, channels ...string) error {
	if len(channels) == 0 {
		return nil
	}
	if err := s.ps.Subscribe(ctx, channels...); err != nil {
		return fmt.Errorf("failed to watch channels: %w", err)
	}
	return nil
}

func (s *Subscription) Unwatch(ctx context.Context, channels ...string) error {
	if len(channels) == 0 {
		return nil
	}
	if err := s.ps.Unsubscribe(ctx, channels...); err != nil {
		return fmt.Errorf("failed to unwatch channels: %w", err)
	}
	return nil
}

func (s *Subscription) pump() {
	defer close(s.stopped)
	defer close(s.events)

	msgs := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			ev := Event{Channel: msg.Channel}
			ev.Change, ev.Err = Decode([]byte(msg.Payload))
			if ev.Err != nil {
				s.log.Warn("undecodable change", zap.String("channel", msg.Channel), zap.Error(ev.Err))
			}
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}
}

// Close 释放订阅，可重复调用
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.closeErr = s.ps.Close()
		<-s.stopped
	})
	return s.closeErr
}
