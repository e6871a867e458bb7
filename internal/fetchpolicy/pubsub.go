package fetchpolicy

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// TagInvalidationSubscriber is the subscriber side of the cross-process
// tag-invalidation broadcast published by crypto.RedisSaltStore.PublishInvalidation:
// every Handler sharing the same Redis deployment applies the same
// InvalidateByTags call, so a tag invalidated by one process goes stale in
// every other process's cache too (spec.md §4.6).
type TagInvalidationSubscriber struct {
	sub    *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

// SubscribeTagInvalidation subscribes to channel and calls invalidate with
// the tag list carried by every message received, until ctx is canceled or
// Close is called. Pass a Handler's InvalidateByTags method as invalidate to
// wire a Handler directly to the broadcast.
func SubscribeTagInvalidation(ctx context.Context, client *redis.Client, channel string, invalidate func(tags []string), logger *zerolog.Logger) *TagInvalidationSubscriber {
	ctx, cancel := context.WithCancel(ctx)
	sub := client.Subscribe(ctx, channel)
	s := &TagInvalidationSubscriber{sub: sub, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(s.done)
		for msg := range sub.Channel() {
			tags := unmarshalTags(msg.Payload)
			if len(tags) == 0 {
				continue
			}
			invalidate(tags)
			if logger != nil {
				logger.Debug().Strs("tags", tags).Str("channel", channel).Msg("fetchpolicy: applied remote tag invalidation")
			}
		}
	}()
	return s
}

// Close stops the subscription and waits for the delivery goroutine to exit.
func (s *TagInvalidationSubscriber) Close() error {
	s.cancel()
	<-s.done
	return s.sub.Close()
}

func unmarshalTags(payload string) []string {
	if payload == "" {
		return nil
	}
	return strings.Split(payload, ",")
}
