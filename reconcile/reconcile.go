// Package reconcile defines the Reconciler interface the Session Engine
// programs against (spec.md §4.4, §6.3) and ships one concrete
// implementation: a paginated full-set exchange. The core is agnostic to
// the reconciliation algorithm; any type satisfying Reconciler — including a
// real range-based (negentropy-style) engine — is a valid substitute for
// SetReconciler.
package reconcile

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
)

// Hash is the 32-byte block content hash the reconciler indexes by.
type Hash = [32]byte

// Entry is one (date, hash) pair inserted into the reconciler's index
// (spec.md §4.4: "inserting (date_utc, hash) pairs for every slot whose
// hops < MAX_HOPS").
type Entry struct {
	Hash Hash
	Date uint64
}

// Reconciler is a stateful handle bridging the Session Engine to an opaque
// set-reconciliation algorithm (spec.md §4.4).
type Reconciler interface {
	// Initiate produces the first reconciliation message, called once on
	// the initiator side.
	Initiate() []byte
	// Respond is called on the non-initiator per inbound reconcile message.
	// ok is false once reconciliation has converged from its point of view.
	Respond(blob []byte) (reply []byte, ok bool)
	// Fold is called on the initiator per inbound reconcile message; it
	// returns the locally-computed deltas and an optional continuation.
	Fold(blob []byte) (have []Hash, need []Hash, cont []byte, hasCont bool)

	// Insert adds a newly accepted block's hash to the live index (spec.md
	// §4.4: "new inserts during a session happen eagerly when a block is
	// accepted").
	Insert(h Hash)
}

// maxHashesPerPage keeps a reconciliation page comfortably under the
// session's 4096-byte frame cap (1 byte more-flag + 2 byte count + N*32).
const maxHashesPerPage = 120

// SetReconciler is the default Reconciler: a full exchange of content
// hashes, paginated across rounds so an arbitrarily large index still fits
// within MaxFrameSize-bounded messages. Not the algorithm spec.md's §1
// "out of scope" Reconciler math refers to — a placeholder that satisfies
// the interface contract with the simplest correct implementation.
type SetReconciler struct {
	own        []Hash
	ownSet     map[Hash]struct{}
	sendCursor int
	selfDone   bool
	peerSet    map[Hash]struct{}
	peerDone   bool
	initiated  bool
	log        log.Logger
}

// NewSetReconciler builds a reconciler over a snapshot of entries, typically
// produced by iterating the Repository for slots with hops < MAX_HOPS at
// boot (spec.md §4.4).
func NewSetReconciler(entries []Entry) *SetReconciler {
	own := make([]Hash, 0, len(entries))
	ownSet := make(map[Hash]struct{}, len(entries))
	for _, e := range entries {
		if _, dup := ownSet[e.Hash]; dup {
			continue
		}
		own = append(own, e.Hash)
		ownSet[e.Hash] = struct{}{}
	}
	return &SetReconciler{
		own:     own,
		ownSet:  ownSet,
		peerSet: make(map[Hash]struct{}),
		log:     log.Root().New("component", "reconcile"),
	}
}

// Insert adds a newly accepted block's hash to the local index so a later
// page of this same session (or the next session) offers it.
func (s *SetReconciler) Insert(h Hash) {
	if _, dup := s.ownSet[h]; dup {
		return
	}
	s.own = append(s.own, h)
	s.ownSet[h] = struct{}{}
}

func encodePage(hashes []Hash, more bool) []byte {
	buf := make([]byte, 3+len(hashes)*32)
	if more {
		buf[0] = 1
	}
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(hashes)))
	off := 3
	for _, h := range hashes {
		copy(buf[off:], h[:])
		off += 32
	}
	return buf
}

func decodePage(blob []byte) (hashes []Hash, more bool, err error) {
	if len(blob) < 3 {
		return nil, false, fmt.Errorf("reconcile: page too short: %d bytes", len(blob))
	}
	more = blob[0] != 0
	count := int(binary.BigEndian.Uint16(blob[1:3]))
	want := 3 + count*32
	if len(blob) < want {
		return nil, false, fmt.Errorf("reconcile: page truncated: have %d want %d", len(blob), want)
	}
	hashes = make([]Hash, count)
	off := 3
	for i := 0; i < count; i++ {
		copy(hashes[i][:], blob[off:off+32])
		off += 32
	}
	return hashes, more, nil
}

func (s *SetReconciler) nextOwnPage() []byte {
	end := s.sendCursor + maxHashesPerPage
	if end > len(s.own) {
		end = len(s.own)
	}
	page := s.own[s.sendCursor:end]
	s.sendCursor = end
	more := s.sendCursor < len(s.own)
	s.selfDone = !more
	return encodePage(page, more)
}

// Initiate implements Reconciler.
func (s *SetReconciler) Initiate() []byte {
	s.initiated = true
	return s.nextOwnPage()
}

// Respond implements Reconciler.
func (s *SetReconciler) Respond(blob []byte) ([]byte, bool) {
	hashes, more, err := decodePage(blob)
	if err != nil {
		s.log.Warn("malformed reconcile page", "err", err)
		return nil, false
	}
	for _, h := range hashes {
		s.peerSet[h] = struct{}{}
	}
	s.peerDone = !more

	if s.selfDone && s.peerDone {
		return nil, false
	}
	return s.nextOwnPage(), true
}

// Fold implements Reconciler.
func (s *SetReconciler) Fold(blob []byte) (have []Hash, need []Hash, cont []byte, hasCont bool) {
	hashes, more, err := decodePage(blob)
	if err != nil {
		s.log.Warn("malformed reconcile page", "err", err)
		return nil, nil, nil, false
	}
	for _, h := range hashes {
		s.peerSet[h] = struct{}{}
	}
	s.peerDone = !more

	if !s.selfDone || !s.peerDone {
		return nil, nil, s.nextOwnPage(), true
	}

	for h := range s.ownSet {
		if _, known := s.peerSet[h]; !known {
			have = append(have, h)
		}
	}
	for h := range s.peerSet {
		if _, known := s.ownSet[h]; !known {
			need = append(need, h)
		}
	}
	return have, need, nil, false
}
