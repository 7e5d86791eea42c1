// Package session implements the Session Engine (spec.md §4.5): the
// per-link protocol that drives a set-reconciliation handshake followed by
// round-by-round have/want exchange of signed blocks over a Link Transport.
package session

import (
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/picoswarm/snail/block"
	"github.com/picoswarm/snail/clock"
	"github.com/picoswarm/snail/reconcile"
	"github.com/picoswarm/snail/repo"
	"github.com/picoswarm/snail/transport"
)

// sessionState is the sub-state-machine spec.md §4.5 describes for a single
// session.
type sessionState int

const (
	stateInit sessionState = iota
	stateOpen
	stateReconciling
	stateExchanging
	stateDone
)

// Exit codes for the completion callback (spec.md §7 recovery policy).
const (
	ExitOK                = 0
	ExitProtocolError     = 1
	ExitVerificationNoise = 2
	ExitRoundCapExceeded  = 3
)

// Config bounds a session's lifetime (spec.md §5: "max session rounds 60").
type Config struct {
	MaxRounds int
	MaxHops   uint8

	// MaxVerificationNoise bounds how many accept_block failures (spec.md §7
	// VerificationError: "drop the block, continue the session") a single
	// session tolerates before it gives up on the peer entirely. A single
	// bad block is dropped and the session carries on; a peer that keeps
	// sending unverifiable blocks is noise, not signal, and the session
	// closes with ExitVerificationNoise rather than grinding on forever.
	MaxVerificationNoise int
}

// DefaultConfig returns spec.md's typical values.
func DefaultConfig() Config {
	return Config{MaxRounds: 60, MaxHops: 50, MaxVerificationNoise: 8}
}

// Engine is one session's worth of protocol state. It implements
// transport.Upcalls and is constructed fresh per link (spec.md §3:
// "Session state (ephemeral)").
type Engine struct {
	cfg        Config
	repo       *repo.Repository
	reconciler reconcile.Reconciler
	clk        *clock.Clock
	log        log.Logger
	onDone     func(exitCode int)

	initiator bool
	state     sessionState
	rounds    int

	have    []reconcile.Hash
	need    []reconcile.Hash
	cont    []byte
	hasCont bool

	verificationFailures int

	accepts metrics.Counter
	rejects metrics.Counter
}

// NewReconcilerFunc builds a fresh Reconciler for a session, typically
// reconcile.NewSetReconcilerFromRepository bound to the shared Repository.
type NewReconcilerFunc func() reconcile.Reconciler

// NewEngine constructs a session Engine bound to the shared Repository and
// Clock, with a factory for a per-session Reconciler and a completion
// callback the Node State Machine uses to drive ATTACH/INFORM -> LEAVE.
func NewEngine(cfg Config, r *repo.Repository, newReconciler NewReconcilerFunc, clk *clock.Clock, onDone func(exitCode int)) *Engine {
	return &Engine{
		cfg:        cfg,
		repo:       r,
		reconciler: newReconciler(),
		clk:        clk,
		log:        log.Root().New("component", "session"),
		onDone:     onDone,
		accepts:    metrics.GetOrRegisterCounter("session/accepts", nil),
		rejects:    metrics.GetOrRegisterCounter("session/rejects", nil),
	}
}

// OnOpen implements transport.Upcalls.
func (e *Engine) OnOpen(initiator bool) transport.Action {
	e.initiator = initiator
	e.state = stateOpen
	if !initiator {
		return transport.NoOpAction()
	}
	blob := e.reconciler.Initiate()
	e.state = stateReconciling
	act, err := transport.ReplyWith(encodeReconcileFrame(blob))
	if err != nil {
		e.log.Error("reconcile blob exceeds frame cap", "err", err)
		return transport.CloseWithCode(ExitProtocolError)
	}
	return act
}

// OnData implements transport.Upcalls.
func (e *Engine) OnData(frame []byte) transport.Action {
	e.rounds++
	if e.rounds > e.cfg.MaxRounds {
		e.log.Warn("session exceeded round cap", "rounds", e.rounds)
		return transport.CloseWithCode(ExitRoundCapExceeded)
	}

	tag, body, err := frameType(frame)
	if err != nil {
		e.log.Debug("empty or malformed frame, closing", "err", err)
		return transport.CloseWithCode(ExitProtocolError)
	}
	if !isKnownTag(tag) {
		e.log.Debug("unrecognized frame type, closing", "tag", tag)
		return transport.CloseWithCode(ExitProtocolError)
	}

	switch tag {
	case tagReconcile:
		return e.onReconcile(body)
	default:
		return e.onExchange(tag, body)
	}
}

// OnClose implements transport.Upcalls.
func (e *Engine) OnClose(exitCode int) {
	e.state = stateDone
	if e.onDone != nil {
		e.onDone(exitCode)
	}
}

func (e *Engine) onReconcile(body []byte) transport.Action {
	if e.initiator {
		have, need, cont, hasCont := e.reconciler.Fold(body)
		e.have, e.need, e.cont, e.hasCont = have, need, cont, hasCont
		return e.nextInitiatorAction()
	}

	reply, ok := e.reconciler.Respond(body)
	if !ok {
		// Converged from the non-initiator's point of view: ack with an
		// empty EXCHANGE so the initiator drives termination (spec.md §4.5,
		// and §9 open question "empty EXCHANGE as no-op ack").
		e.state = stateExchanging
		act, _ := transport.ReplyWith(encodeExchangeFrame(exchangeFrame{}))
		return act
	}
	act, err := transport.ReplyWith(encodeReconcileFrame(reply))
	if err != nil {
		e.log.Error("reconcile reply exceeds frame cap", "err", err)
		return transport.CloseWithCode(ExitProtocolError)
	}
	return act
}

func (e *Engine) onExchange(tag byte, body []byte) transport.Action {
	f, err := decodeExchangeFrame(tag, body)
	if err != nil {
		e.log.Debug("malformed exchange frame, closing", "err", err)
		return transport.CloseWithCode(ExitProtocolError)
	}

	if e.initiator {
		if f.hasGive {
			e.acceptBlock(f.offerHops, f.blockBytes)
			if e.verificationNoisy() {
				return transport.CloseWithCode(ExitVerificationNoise)
			}
		}
		return e.nextInitiatorAction()
	}

	e.state = stateExchanging
	if f.hasGive {
		e.acceptBlock(f.offerHops, f.blockBytes)
		if e.verificationNoisy() {
			return transport.CloseWithCode(ExitVerificationNoise)
		}
	}
	reply := exchangeFrame{}
	if f.hasWant {
		if resolved, hops, bb := e.resolveWant(f.wantHash); resolved {
			reply.hasGive = true
			reply.offerHops = hops
			reply.blockBytes = bb
		}
	}
	act, err := transport.ReplyWith(encodeExchangeFrame(reply))
	if err != nil {
		e.log.Error("exchange reply exceeds frame cap", "err", err)
		return transport.CloseWithCode(ExitProtocolError)
	}
	return act
}

// nextInitiatorAction implements the initiator's post-processing step
// (spec.md §4.5 "Data (initiator)... Then construct the next outbound
// message").
func (e *Engine) nextInitiatorAction() transport.Action {
	if len(e.have) == 0 && len(e.need) == 0 {
		if !e.hasCont {
			e.state = stateDone
			return transport.CloseAction()
		}
		e.state = stateReconciling
		blob := e.cont
		e.cont, e.hasCont = nil, false
		act, err := transport.ReplyWith(encodeReconcileFrame(blob))
		if err != nil {
			e.log.Error("continuation blob exceeds frame cap", "err", err)
			return transport.CloseWithCode(ExitProtocolError)
		}
		return act
	}

	e.state = stateExchanging
	f := exchangeFrame{}
	if len(e.need) > 0 {
		f.hasWant = true
		f.wantHash = e.need[0]
		e.need = e.need[1:]
	}
	if len(e.have) > 0 {
		h := e.have[0]
		e.have = e.have[1:]
		if resolved, hops, bb := e.resolveWant(h); resolved {
			f.hasGive = true
			f.offerHops = hops
			f.blockBytes = bb
		}
	}
	act, err := transport.ReplyWith(encodeExchangeFrame(f))
	if err != nil {
		e.log.Error("exchange frame exceeds frame cap", "err", err)
		return transport.CloseWithCode(ExitProtocolError)
	}
	return act
}

// verificationNoisy reports whether this session has seen enough
// accept_block failures to treat the peer as noise rather than a
// one-off bad block (spec.md §7 VerificationError is normally non-fatal).
func (e *Engine) verificationNoisy() bool {
	return e.cfg.MaxVerificationNoise > 0 && e.verificationFailures >= e.cfg.MaxVerificationNoise
}

// acceptBlock parses, verifies, and stores an inbound GIVE payload (spec.md
// §4.5 "Accept block"). Errors are logged and the session continues.
func (e *Engine) acceptBlock(offerHops uint8, blockBytes []byte) {
	parsed, err := block.Parse(blockBytes)
	if err != nil {
		e.log.Debug("accept_block: parse failed", "err", err)
		e.rejects.Inc(1)
		e.verificationFailures++
		return
	}
	if !block.Verify(parsed) {
		e.log.Debug("accept_block: signature invalid")
		e.rejects.Inc(1)
		e.verificationFailures++
		return
	}
	receivedHops := offerHops + 1 // receiver attribution (spec.md §9 open question, resolved)

	if _, err := e.repo.Write(blockBytes, receivedHops, uint64(time.Now().UnixMilli())); err != nil {
		// A storage-layer failure here, not a verification failure — the
		// block already passed block.Verify above.
		e.log.Debug("accept_block: repository write failed", "err", err)
		e.rejects.Inc(1)
		return
	}
	e.accepts.Inc(1)
	if receivedHops < e.cfg.MaxHops {
		e.reconciler.Insert(block.Hash(parsed))
	}
	e.clk.Bump(parsed.DateUTCMs)
}

// resolveWant looks up a wanted hash in the repository and, if found,
// charges one decay share against it (spec.md §4.5 "Resolve want").
func (e *Engine) resolveWant(hash reconcile.Hash) (resolved bool, hops uint8, blockBytes []byte) {
	sv, ok := e.repo.FindByHash(hash)
	if !ok {
		return false, 0, nil
	}
	if err := e.repo.DecayDecrement(sv.Index); err != nil {
		e.log.Warn("resolve_want: decay decrement failed", "err", err)
	}
	return true, sv.Hops, sv.BlockBytes
}
