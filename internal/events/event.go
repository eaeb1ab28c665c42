package events

import (
	"context"
	"time"

	"nestbridge/internal/sdm"
)

// Event is an SDM device event as delivered through Pub/Sub.
type Event struct {
	EventID        string          `json:"eventId"`
	Timestamp      time.Time       `json:"timestamp"`
	ResourceUpdate *ResourceUpdate `json:"resourceUpdate,omitempty"`
	UserID         string          `json:"userId,omitempty"`
}

// ResourceUpdate carries the traits that changed on one device.
type ResourceUpdate struct {
	Name   string     `json:"name"`
	Traits sdm.Traits `json:"traits"`
}

// Handler is called for each event addressed to a subscribed resource.
type Handler func(ctx context.Context, event Event)

// Subscription is returned by Subscribe and removes the handler when cancelled.
type Subscription interface {
	Unsubscribe() error
}
