// Package events receives SDM device events from a Google Cloud Pub/Sub
// subscription and fans them out to per-device handlers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// Config names the topic and subscription to consume.
type Config struct {
	// ProjectID owns the subscription.
	ProjectID    string
	TopicProject string
	Topic        string
	Subscription string
}

type subscriberEntry struct {
	subID   int
	handler Handler
}

// Listener owns one Pub/Sub receive loop shared by every device.
type Listener struct {
	cfg    Config
	client *pubsub.Client
	opts   []option.ClientOption
	logger *zap.Logger

	subscribers map[string][]subscriberEntry
	subsMu      sync.RWMutex
	nextSubID   int

	startMu sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewListener creates a Pub/Sub client for cfg.ProjectID. Receiving starts
// with the first Subscribe.
func NewListener(ctx context.Context, cfg Config, logger *zap.Logger, opts ...option.ClientOption) (*Listener, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}

	return &Listener{
		cfg:         cfg,
		client:      client,
		opts:        opts,
		logger:      logger.Named("events"),
		subscribers: make(map[string][]subscriberEntry),
	}, nil
}

// Subscribe registers handler for events about resourceName
// (enterprises/{project}/devices/{id}) and starts receiving if needed.
func (l *Listener) Subscribe(ctx context.Context, resourceName string, handler Handler) (Subscription, error) {
	if err := l.Start(ctx); err != nil {
		return nil, err
	}

	l.subsMu.Lock()
	l.nextSubID++
	subID := l.nextSubID
	l.subscribers[resourceName] = append(l.subscribers[resourceName], subscriberEntry{subID: subID, handler: handler})
	l.subsMu.Unlock()

	l.logger.Debug("Subscribed to device events", zap.String("resource", resourceName))
	return &subscription{listener: l, resourceName: resourceName, subID: subID}, nil
}

// Start ensures the topic and subscription exist and launches the receive
// loop. It is a no-op once started; a failed start may be retried.
func (l *Listener) Start(ctx context.Context) error {
	l.startMu.Lock()
	defer l.startMu.Unlock()

	if l.started {
		return nil
	}

	topic, err := l.ensureTopic(ctx)
	if err != nil {
		return err
	}
	sub, err := l.ensureSubscription(ctx, topic)
	if err != nil {
		return err
	}

	recvCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	l.started = true

	go l.receive(recvCtx, sub)

	l.logger.Info("Listening for device events",
		zap.String("topic", topic.String()),
		zap.String("subscription", sub.String()))
	return nil
}

func (l *Listener) ensureTopic(ctx context.Context) (*pubsub.Topic, error) {
	topic := l.client.TopicInProject(l.cfg.Topic, l.cfg.TopicProject)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check topic %s: %w", topic, err)
	}
	if exists {
		return topic, nil
	}

	creator := l.client
	if l.cfg.TopicProject != l.cfg.ProjectID {
		creator, err = pubsub.NewClient(ctx, l.cfg.TopicProject, l.opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create pubsub client for %s: %w", l.cfg.TopicProject, err)
		}
		defer creator.Close()
	}

	if _, err := creator.CreateTopic(ctx, l.cfg.Topic); err != nil {
		return nil, fmt.Errorf("failed to create topic %s: %w", topic, err)
	}
	l.logger.Info("Created topic", zap.String("topic", topic.String()))
	return topic, nil
}

func (l *Listener) ensureSubscription(ctx context.Context, topic *pubsub.Topic) (*pubsub.Subscription, error) {
	sub := l.client.Subscription(l.cfg.Subscription)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check subscription %s: %w", sub, err)
	}
	if exists {
		return sub, nil
	}

	sub, err = l.client.CreateSubscription(ctx, l.cfg.Subscription, pubsub.SubscriptionConfig{Topic: topic})
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription %s: %w", l.cfg.Subscription, err)
	}
	l.logger.Info("Created subscription", zap.String("subscription", sub.String()))
	return sub, nil
}

// receive runs until ctx is cancelled or Receive fails. There is no reconnect.
func (l *Listener) receive(ctx context.Context, sub *pubsub.Subscription) {
	defer close(l.done)

	err := sub.Receive(ctx, l.handleMessage)
	if err != nil && !errors.Is(err, context.Canceled) {
		l.logger.Error("Received error", zap.Error(err))
	}
}

func (l *Listener) handleMessage(ctx context.Context, msg *pubsub.Message) {
	l.logger.Info("Received message", zap.ByteString("data", msg.Data))
	msg.Ack()

	var event Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		l.logger.Warn("Failed to decode device event", zap.Error(err))
		return
	}
	if event.ResourceUpdate == nil {
		return
	}

	l.subsMu.RLock()
	entries := make([]subscriberEntry, len(l.subscribers[event.ResourceUpdate.Name]))
	copy(entries, l.subscribers[event.ResourceUpdate.Name])
	l.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(ctx, event)
	}
}

// Close stops the receive loop and releases the client.
func (l *Listener) Close() error {
	l.startMu.Lock()
	if l.started {
		l.cancel()
		<-l.done
		l.started = false
	}
	l.startMu.Unlock()

	return l.client.Close()
}

type subscription struct {
	listener     *Listener
	resourceName string
	subID        int
}

func (s *subscription) Unsubscribe() error {
	l := s.listener
	l.subsMu.Lock()
	defer l.subsMu.Unlock()

	entries := l.subscribers[s.resourceName]
	for i, entry := range entries {
		if entry.subID == s.subID {
			l.subscribers[s.resourceName] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(l.subscribers[s.resourceName]) == 0 {
		delete(l.subscribers, s.resourceName)
	}
	return nil
}
