package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"todo-api/stream"
)

// change is the message published on the changes channel.
type change struct {
	Topic string `json:"topic"`
	Owner string `json:"owner"`
}

// Notifier distributes change notifications between service instances over
// a redis channel and hands them to local watchers.
type Notifier struct {
	rc      *redis.Client
	channel string
	local   *stream.Broadcaster
	logger  *log.Logger
}

// NewNotifier returns a Notifier publishing on channel. A nil logger uses the
// standard logger.
func NewNotifier(rc *redis.Client, channel string, local *stream.Broadcaster, logger *log.Logger) *Notifier {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if local == nil {
		local = stream.NewBroadcaster()
	}
	return &Notifier{rc: rc, channel: channel, local: local, logger: logger}
}

// Publish announces that the documents of owner under topic changed. If redis
// is unreachable local watchers are still notified.
func (n *Notifier) Publish(ctx context.Context, topic, owner string) error {
	payload, err := sonic.Marshal(change{Topic: topic, Owner: owner})
	if err != nil {
		return err
	}
	if err := n.rc.Publish(ctx, n.channel, payload).Err(); err != nil {
		n.local.Notify(topic, owner)
		return err
	}
	return nil
}

// Watch registers a local watcher for (topic, owner).
func (n *Notifier) Watch(topic, owner string) (<-chan struct{}, func()) {
	return n.local.Watch(topic, owner)
}

// Run relays messages from the changes channel to local watchers until ctx
// is done, resubscribing when the connection drops.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		sub := n.rc.Subscribe(ctx, n.channel)
		n.relay(ctx, sub.Channel())
		_ = sub.Close()
		if ctx.Err() != nil {
			return nil
		}
		n.logger.WithField("channel", n.channel).Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

func (n *Notifier) relay(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var c change
			if err := sonic.UnmarshalString(msg.Payload, &c); err != nil || c.Topic == "" || c.Owner == "" {
				n.logger.WithField("payload", msg.Payload).Warn("ignoring malformed change notification")
				continue
			}
			n.local.Notify(c.Topic, c.Owner)
		}
	}
}
