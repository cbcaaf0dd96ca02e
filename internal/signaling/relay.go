// Package signaling carries call-control messages for one call between two
// participants over an external relay.
package signaling

import (
	"context"

	"github.com/petervdpas/peercall/internal/proto"
)

// Relay is the only surface the signaling channel needs from a transport.
// Implementations may deliver duplicates and may reorder signals of
// different kinds; they must not drop signals while a subscription is open.
type Relay interface {
	// Publish persists sig (where the backend persists) and delivers it to
	// live subscribers of sig.CallID addressed to sig.To.
	Publish(ctx context.Context, sig proto.Signal) error

	// Subscribe delivers live signals for callID addressed to participantID.
	// The returned cancel func closes the channel.
	Subscribe(ctx context.Context, callID, participantID string) (<-chan proto.Signal, func(), error)

	// FetchHistory returns persisted signals for callID sent from -> to,
	// oldest first.
	FetchHistory(ctx context.Context, callID, to, from string) ([]proto.Signal, error)

	// Purge removes every persisted signal of callID.
	Purge(ctx context.Context, callID string) error
}
