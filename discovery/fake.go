package discovery

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/event"

	"github.com/picoswarm/snail/transport"
)

// Fake is a deterministic in-memory Service used by tests and by the
// "swap" backend placeholder (SPEC_FULL.md §12): sightings and links are
// injected programmatically instead of coming from real radio hardware.
type Fake struct {
	mu      sync.Mutex
	payload []byte
	gateway bool

	pendingSightings []Sighting
	linkFor          map[[6]byte]*transport.Pipe

	attached  event.Feed
	linkUp    event.Feed
	linkDown  event.Feed
	sightings event.Feed
}

// NewFake constructs an idle Fake discovery backend.
func NewFake() *Fake {
	return &Fake{linkFor: make(map[[6]byte]*transport.Pipe)}
}

func (f *Fake) Start(payload []byte) error {
	return f.Advertise(payload)
}

func (f *Fake) Advertise(payload []byte) error {
	if len(payload) > MaxPayloadSize {
		payload = payload[:MaxPayloadSize]
	}
	f.mu.Lock()
	f.payload = payload
	f.mu.Unlock()
	return nil
}

// InjectSighting queues a sighting to be returned by the next Scan and
// published on SightingFeed, simulating a real radio's beacon callback.
func (f *Fake) InjectSighting(s Sighting) {
	f.mu.Lock()
	f.pendingSightings = append(f.pendingSightings, s)
	f.mu.Unlock()
	f.sightings.Send(s)
}

func (f *Fake) Scan(ctx context.Context) ([]Sighting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.pendingSightings
	f.pendingSightings = nil
	return out, nil
}

// PrepareLink registers the Pipe end Associate(bssid) should hand back,
// simulating a link coming up for that peer.
func (f *Fake) PrepareLink(bssid [6]byte, p *transport.Pipe) {
	f.mu.Lock()
	f.linkFor[bssid] = p
	f.mu.Unlock()
}

func (f *Fake) Associate(ctx context.Context, bssid [6]byte) (*transport.Pipe, error) {
	f.mu.Lock()
	p, ok := f.linkFor[bssid]
	f.mu.Unlock()
	if !ok {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			return nil, errNoLinkPrepared
		}
	}
	f.linkUp.Send(LinkAttached{BSSID: bssid, Link: p, Initiator: true})
	return p, nil
}

func (f *Fake) Disassociate() error {
	f.linkDown.Send(struct{}{})
	return nil
}

// SimulateIncomingAttach fires IncomingPeerAttached as if a peer associated
// to this node while it was advertising (NOTIFY state).
func (f *Fake) SimulateIncomingAttach(bssid [6]byte, p *transport.Pipe) {
	f.attached.Send(LinkAttached{BSSID: bssid, Link: p, Initiator: false})
}

func (f *Fake) IncomingPeerAttached() *event.Feed { return &f.attached }
func (f *Fake) LinkUp() *event.Feed               { return &f.linkUp }
func (f *Fake) LinkDown() *event.Feed             { return &f.linkDown }
func (f *Fake) SightingFeed() *event.Feed         { return &f.sightings }

func (f *Fake) GatewayMode() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gateway
}

func (f *Fake) SetGatewayMode(on bool) {
	f.mu.Lock()
	f.gateway = on
	f.mu.Unlock()
}

var errNoLinkPrepared = fakeErr("discovery: no link prepared for bssid")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }
