// Package discovery defines the Discovery Service boundary (spec.md §6.1):
// the abstract radio/presence layer the Node State Machine drives through
// seek/advertise/associate controls and listens to via typed events. Real
// NAN/soft-AP drivers implement Service; this package also ships a
// deterministic in-memory fake used by tests and by the "swap" backend
// placeholder described in SPEC_FULL.md §12.
package discovery

import (
	"context"

	"github.com/ethereum/go-ethereum/event"

	"github.com/picoswarm/snail/transport"
)

// MaxPayloadSize bounds an advertised beacon payload (spec.md §6.1: "a
// short beacon... any <=32-byte blob is accepted").
const MaxPayloadSize = 32

// Sighting is one observed peer (spec.md §6.1).
type Sighting struct {
	BSSID   [6]byte
	RSSI    int8
	Payload []byte
}

// LinkAttached is delivered on the IncomingPeerAttached/LinkUp feeds,
// carrying the established Link Transport for the Session Engine to drive.
type LinkAttached struct {
	BSSID     [6]byte
	Link      *transport.Pipe
	Initiator bool
}

// Service is the abstract Discovery Service the state machine consults.
// Recast from the spec's bitmask event group (spec.md §9 Design Notes) into
// four typed event.Feed subscriptions, matching the teacher's own use of
// github.com/ethereum/go-ethereum/event for upcall fan-out.
type Service interface {
	// Start begins advertising payload and scanning for peers.
	Start(payload []byte) error
	// Advertise updates the beacon payload (e.g. latest-block summary).
	Advertise(payload []byte) error
	// Scan blocks until the hardware completes one scan pass, returning
	// whatever sightings it collected.
	Scan(ctx context.Context) ([]Sighting, error)
	// Associate attempts to bring up a link to bssid (initiator path).
	Associate(ctx context.Context, bssid [6]byte) (*transport.Pipe, error)
	// Disassociate tears down any current association.
	Disassociate() error

	// IncomingPeerAttached fires when a peer attaches to this node while it
	// is advertising (NOTIFY state).
	IncomingPeerAttached() *event.Feed
	// LinkUp fires once the underlying radio link is usable.
	LinkUp() *event.Feed
	// LinkDown fires on link loss.
	LinkDown() *event.Feed
	// SightingFeed fires on every individual peer sighting, independent of
	// the batched Scan return value, so the Peer Registry can be fed
	// continuously (spec.md §5: "observations are pushed by the Discovery
	// Service").
	SightingFeed() *event.Feed

	// GatewayMode reports and toggles the operator-visible passthrough flag
	// from SPEC_FULL.md §12 (no gateway behavior is implemented, only the
	// flag itself).
	GatewayMode() bool
	SetGatewayMode(on bool)
}
