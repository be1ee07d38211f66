package port

import (
	"context"

	"github.com/strogmv/txwatch/internal/domain"
)

// Handle is a resolved, deliverable destination.
type Handle interface {
	Destination() domain.Destination
}

// Deliverer resolves destinations and sends notifications to them.
// Resolve fails with domain.ErrDestinationNotFound when the scope or
// sub-channel no longer exists; Deliver failures are *domain.DeliveryError.
type Deliverer interface {
	Resolve(ctx context.Context, dest domain.Destination) (Handle, error)
	Deliver(ctx context.Context, h Handle, n domain.Notification) error
}

// NotificationSink is one delivery backend routed to by the notification
// router.
type NotificationSink interface {
	Deliverer
	Name() string
}
