// Package redisstream builds watermill Redis Streams subscribers for the push
// channel. Each topic's consumer group is created at the stream tail before
// the first read so a fresh widget never replays the conversation's full push
// history.
package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/chatrail/chatrail/pkg/push"
)

// Settings holds the Redis Streams transport configuration. Defaults are
// applied by the config package so environment parsing never overrides a value
// read from file.
type Settings struct {
	Addr     string `yaml:"addr" env:"CHATRAIL_REDIS_ADDR"`
	Group    string `yaml:"group" env:"CHATRAIL_REDIS_GROUP"`
	Consumer string `yaml:"consumer" env:"CHATRAIL_REDIS_CONSUMER"`
}

// Subscriber is the Redis Streams push source. On every Subscribe it ensures
// the topic's consumer group exists at the tail ($) before handing the topic
// to the underlying watermill subscriber.
type Subscriber struct {
	inner  message.Subscriber
	ensure func(ctx context.Context, topic string) error
}

var _ message.Subscriber = &Subscriber{}

// BuildSubscriber returns a subscriber bound to the configured consumer
// group/name, suitable as the push.Subscriber source.
func BuildSubscriber(s Settings) (*Subscriber, error) {
	if strings.TrimSpace(s.Addr) == "" {
		return nil, errors.New("redisstream: addr is empty")
	}
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	inner, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, push.NewWatermillLogger(log.Logger))
	if err != nil {
		return nil, errors.Wrap(err, "redisstream: build subscriber")
	}
	return &Subscriber{
		inner: inner,
		ensure: func(ctx context.Context, topic string) error {
			return ensureGroupAtTail(ctx, client, topic, s.Group)
		},
	}, nil
}

// Subscribe creates the topic's consumer group at the tail, then subscribes.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if s == nil || s.inner == nil {
		return nil, errors.New("redisstream: subscriber is not initialized")
	}
	if err := s.ensure(ctx, topic); err != nil {
		return nil, err
	}
	return s.inner.Subscribe(ctx, topic)
}

// Close shuts the underlying subscriber down.
func (s *Subscriber) Close() error {
	if s == nil || s.inner == nil {
		return nil
	}
	return s.inner.Close()
}

// groupCreator is the one redis call ensureGroupAtTail needs.
type groupCreator interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
}

// ensureGroupAtTail creates the consumer group for a stream at the tail ($)
// if it doesn't exist, preventing a full historical replay on first subscribe.
func ensureGroupAtTail(ctx context.Context, client groupCreator, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if isBusyGroup(err) {
			return nil
		}
		return errors.Wrap(err, "redisstream: create consumer group")
	}
	log.Info().Str("component", "redisstream").Str("stream", stream).Str("group", group).Msg("created consumer group at tail")
	return nil
}

// isBusyGroup reports the BUSYGROUP reply, meaning the group already exists.
func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}
