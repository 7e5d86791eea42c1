// Package statemachine implements the Node State Machine (spec.md §4.6):
// the OFFLINE->SEEK<->NOTIFY->ATTACH->INFORM->LEAVE lifecycle that
// orchestrates Discovery and hands off to the Session Engine, enforcing a
// single active session system-wide.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/picoswarm/snail/discovery"
	"github.com/picoswarm/snail/registry"
	"github.com/picoswarm/snail/transport"
)

// State is one of the six node lifecycle states (spec.md §4.6).
type State int

const (
	Offline State = iota
	Seek
	Notify
	Attach
	Inform
	Leave
)

func (s State) String() string {
	switch s {
	case Offline:
		return "OFFLINE"
	case Seek:
		return "SEEK"
	case Notify:
		return "NOTIFY"
	case Attach:
		return "ATTACH"
	case Inform:
		return "INFORM"
	case Leave:
		return "LEAVE"
	default:
		return "UNKNOWN"
	}
}

// ErrIllegalTransition is returned (and, per spec.md §7 StateError, should
// abort the process) when validateTransition rejects a move.
var ErrIllegalTransition = errors.New("statemachine: illegal transition")

// transitionMatrix encodes spec.md §4.6's table: rows = from, allowed
// targets listed.
var transitionMatrix = map[State]map[State]bool{
	Offline: {Seek: true, Notify: true, Leave: true},
	Seek:    {Notify: true, Attach: true},
	Notify:  {Seek: true, Attach: true},
	Attach:  {Inform: true, Leave: true},
	Inform:  {Leave: true},
	Leave:   {Seek: true, Notify: true},
}

// validateTransition reports whether from->to is a legal move (Testable
// Property 8: "every transition taken at runtime is accepted by
// validate_transition").
func validateTransition(from, to State) error {
	if transitionMatrix[from][to] {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

// Config bounds the node's timing (spec.md §5).
type Config struct {
	NotifyTime    time.Duration
	NotifyJitter  time.Duration
	AssociateWait time.Duration
	SessionWait   time.Duration
}

// DefaultConfig returns spec.md's typical values: NOTIFY_TIME=6s+jitter up
// to 2s, 10s waits throughout.
func DefaultConfig() Config {
	return Config{
		NotifyTime:    6 * time.Second,
		NotifyJitter:  2 * time.Second,
		AssociateWait: 10 * time.Second,
		SessionWait:   10 * time.Second,
	}
}

// SessionRunner drives an established Link Transport to completion,
// returning the exit code the Session Engine produced. Supplied by the Glue
// layer so this package never imports the session package directly — the
// state machine only needs to know a session ran and how it ended.
type SessionRunner func(ctx context.Context, link *transport.Pipe, initiator bool) (exitCode int, err error)

// Node drives one instance of the lifecycle loop. Only one Node-level
// session may be attached at a time; sessMu is held from ATTACH entry until
// the transition into LEAVE (spec.md §4.6: "a mutex excludes concurrent
// sessions"). doLeave runs without it.
type Node struct {
	cfg Config
	log log.Logger

	disc    discovery.Service
	reg     *registry.Registry
	runSess SessionRunner
	beacon  func() []byte

	mu        sync.Mutex
	state     State
	sessMu    sync.Mutex
	initiator bool
	peer      [6]byte
}

// New constructs a Node in the OFFLINE state.
func New(cfg Config, disc discovery.Service, reg *registry.Registry, runSess SessionRunner, beacon func() []byte) *Node {
	return &Node{
		cfg:     cfg,
		log:     log.Root().New("component", "statemachine"),
		disc:    disc,
		reg:     reg,
		runSess: runSess,
		beacon:  beacon,
		state:   Offline,
	}
}

// State returns the node's current lifecycle state.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Node) transition(to State) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := validateTransition(n.state, to); err != nil {
		return err
	}
	n.log.Debug("state transition", "from", n.state, "to", to)
	n.state = to
	return nil
}

// Start moves the node from OFFLINE into the SEEK/NOTIFY loop and runs it
// until ctx is canceled.
func (n *Node) Start(ctx context.Context) error {
	if err := n.transition(Seek); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := n.runOnce(ctx); err != nil {
			return err
		}
	}
}

func (n *Node) runOnce(ctx context.Context) error {
	switch n.State() {
	case Seek:
		return n.doSeek(ctx)
	case Notify:
		return n.doNotify(ctx)
	case Attach:
		return n.doAttach(ctx)
	case Leave:
		return n.doLeave(ctx)
	default:
		return fmt.Errorf("%w: unexpected runtime state %s", ErrIllegalTransition, n.State())
	}
}

func (n *Node) doSeek(ctx context.Context) error {
	sightings, err := n.disc.Scan(ctx)
	if err != nil {
		n.log.Warn("scan failed", "err", err)
	}
	now := time.Now()
	for _, s := range sightings {
		n.reg.Observe(s.BSSID, s.RSSI, s.Payload, now)
	}

	rec, ok := n.reg.Select(now)
	if !ok {
		return n.transition(Notify)
	}
	n.mu.Lock()
	n.peer, n.initiator = rec.BSSID, true
	n.mu.Unlock()
	return n.transition(Attach)
}

func (n *Node) doNotify(ctx context.Context) error {
	if err := n.disc.Advertise(n.beacon()); err != nil {
		n.log.Warn("advertise failed", "err", err)
	}
	jitter := time.Duration(rand.Int63n(int64(n.cfg.NotifyJitter) + 1))
	timer := time.NewTimer(n.cfg.NotifyTime + jitter)
	defer timer.Stop()

	ch := make(chan discovery.LinkAttached, 1)
	sub := n.disc.IncomingPeerAttached().Subscribe(ch)
	defer sub.Unsubscribe()

	select {
	case att := <-ch:
		n.mu.Lock()
		n.peer, n.initiator = att.BSSID, false
		n.mu.Unlock()
		return n.transition(Attach)
	case <-timer.C:
		return n.transition(Seek)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// doAttach brings the link up (initiator dials; non-initiator waits for a
// LinkUp event from Discovery to deliver the link — the link carried by the
// IncomingPeerAttached event in NOTIFY is not used), runs the session to completion, and
// performs the INFORM->LEAVE hand-off in one synchronous step — the Session
// Engine's "ownership" of INFORM (spec.md §4.6) collapses here into the
// direct call to runSess, since this implementation has no separate INFORM
// polling loop to yield to.
func (n *Node) doAttach(ctx context.Context) error {
	n.sessMu.Lock()
	defer n.sessMu.Unlock()

	n.mu.Lock()
	initiator, peer := n.initiator, n.peer
	n.mu.Unlock()

	attachCtx, cancel := context.WithTimeout(ctx, n.cfg.AssociateWait)
	defer cancel()

	var link *transport.Pipe
	var linkErr error
	if initiator {
		link, linkErr = n.disc.Associate(attachCtx, peer)
	} else {
		linkUpCh := make(chan discovery.LinkAttached, 1)
		sub := n.disc.LinkUp().Subscribe(linkUpCh)
		defer sub.Unsubscribe()
		select {
		case att := <-linkUpCh:
			link = att.Link
		case <-attachCtx.Done():
			linkErr = attachCtx.Err()
		}
	}
	if linkErr != nil || link == nil {
		return n.transition(Leave)
	}

	if err := n.transition(Inform); err != nil {
		return err
	}

	sessCtx, sessCancel := context.WithTimeout(ctx, n.cfg.SessionWait)
	defer sessCancel()
	exitCode, err := n.runSess(sessCtx, link, initiator)
	if err != nil {
		n.log.Debug("session ended with error", "err", err)
	}

	result := registry.ResultOK
	if err != nil || exitCode != 0 {
		result = registry.ResultFail
	}
	n.reg.MarkResult(peer, result, time.Now())

	return n.transition(Leave)
}

func (n *Node) doLeave(ctx context.Context) error {
	n.mu.Lock()
	wasInitiator := n.initiator
	n.mu.Unlock()
	if wasInitiator {
		if err := n.disc.Disassociate(); err != nil {
			n.log.Debug("disassociate failed", "err", err)
		}
	}
	return n.transition(Notify)
}
