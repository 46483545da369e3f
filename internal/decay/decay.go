// Package decay is the outbound client for the external Trust Decay Engine.
//
// The audit ledger notifies the engine about negative governance events. The
// notification is fire-and-forget: Dispatcher decouples the ledger write path
// from delivery, and delivery failures are only logged.
package decay

import (
	"context"
	"errors"
)

// ErrQueueFull is returned by Dispatcher when its buffer cannot take another notification.
var ErrQueueFull = errors.New("decay notification queue full")

// ErrClosed is returned by Dispatcher after Close.
var ErrClosed = errors.New("decay dispatcher closed")

// Notifier delivers events to the Trust Decay Engine.
type Notifier interface {
	// RegisterEvent reports a negative event for entityID.
	RegisterEvent(ctx context.Context, entityID, eventType, severity string, details map[string]any) error

	// RegisterAttestationEvent reports an attestation-related trust impact for subjectID.
	RegisterAttestationEvent(ctx context.Context, subjectID, attestationID, attestationType string, trustImpact float64) error
}
