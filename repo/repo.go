// Package repo implements the flash-backed ring-buffer block repository
// (spec.md §4.2): a fixed array of slots holding at most one signed block
// each, with content-hash deduplication, in-place decay-based recycling when
// full, and sequential or hash-keyed lookup.
package repo

import (
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/picoswarm/snail/block"
	"github.com/picoswarm/snail/storage"
)

// Sentinel errors for Write, matching the spec.md §4.2 contract.
var (
	ErrUnsupportedType  = block.ErrUnsupportedType
	ErrInvalidSignature = errors.New("repo: invalid signature")
	ErrTooLarge         = errors.New("repo: block exceeds slot capacity")
	ErrNotFound         = errors.New("repo: slot index not found")
)

// Config bounds the ring and the propagation horizon. Defaults mirror
// spec.md §2/§3's typical values.
type Config struct {
	SlotSize int    // bytes per slot including header; typical 4096
	NumSlots int    // ring length; typical 512
	MaxHops  uint8  // blocks with hops >= MaxHops are excluded from the live index; typical 50
	Label    string // partition label to bind at Init
}

// DefaultConfig returns spec.md's typical repository sizing.
func DefaultConfig() Config {
	return Config{
		SlotSize: 4096,
		NumSlots: 512,
		MaxHops:  50,
		Label:    "PiC0",
	}
}

// Repository is the flash ring buffer of signed blocks. The zero value is
// not usable; construct with Init.
type Repository struct {
	cfg   Config
	store storage.FlashStore
	log   log.Logger

	mu sync.Mutex

	writes   metrics.Counter
	recycles metrics.Counter
	rejects  metrics.Counter
}

// Init binds a Repository to a partition obtained via storage.FindPartition,
// validating that the partition geometry is compatible with the configured
// slot size (spec.md §6.4: erase_size <= SLOT_SIZE and size % SLOT_SIZE == 0).
func Init(store storage.FlashStore, cfg Config) (*Repository, error) {
	store, err := storage.FindPartition(store, 0, 0, cfg.Label)
	if err != nil {
		return nil, err
	}
	part := store.Partition()
	if part.EraseSize > cfg.SlotSize {
		return nil, fmt.Errorf("repo: partition erase size %d exceeds slot size %d", part.EraseSize, cfg.SlotSize)
	}
	if part.Size%cfg.SlotSize != 0 {
		return nil, fmt.Errorf("repo: partition size %d not a multiple of slot size %d", part.Size, cfg.SlotSize)
	}
	if part.Size/cfg.SlotSize < cfg.NumSlots {
		return nil, fmt.Errorf("repo: partition holds %d slots, want %d", part.Size/cfg.SlotSize, cfg.NumSlots)
	}
	r := &Repository{
		cfg:      cfg,
		store:    store,
		log:      log.Root().New("component", "repo"),
		writes:   metrics.GetOrRegisterCounter("repo/writes", nil),
		recycles: metrics.GetOrRegisterCounter("repo/recycles", nil),
		rejects:  metrics.GetOrRegisterCounter("repo/rejects", nil),
	}
	return r, nil
}

func (r *Repository) slotOffset(idx int) int {
	return idx * r.cfg.SlotSize
}

func (r *Repository) readHeader(idx int) (slotMeta, bool, error) {
	buf := make([]byte, headerSize)
	if _, err := r.store.Read(r.slotOffset(idx), headerSize, buf); err != nil {
		return slotMeta{}, false, err
	}
	return decodeHeader(buf)
}

// readBlockBytes returns the exact block bytes stored in slot idx. The header
// carries no length, so the erased (0xFF) tail of the slot is trimmed and
// trailing 0xFF bytes are restored one at a time until the content hash in
// the header matches.
func (r *Repository) readBlockBytes(idx int) ([]byte, error) {
	meta, _, err := r.readHeader(idx)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, r.cfg.SlotSize-headerSize)
	n, err := r.store.Read(r.slotOffset(idx)+headerSize, len(buf), buf)
	if err != nil {
		return nil, err
	}
	buf = buf[:n]
	end := len(buf)
	for end > 0 && buf[end-1] == glyphErased {
		end--
	}
	for ; end <= len(buf); end++ {
		if b, err := block.Parse(buf[:end]); err == nil && block.Hash(b) == meta.hash {
			return buf[:end], nil
		}
	}
	return buf, nil
}

// Write verifies block_bytes, de-duplicates by content hash, selects a
// destination slot per findWritableSlot, erases it if populated, and writes
// header+bytes. Returns the slot index the block now lives in (which may be
// a pre-existing slot if the hash was already present).
func (r *Repository) Write(blockBytes []byte, hops uint8, storedAt uint64) (int, error) {
	if len(blockBytes) > r.cfg.SlotSize-headerSize {
		r.rejects.Inc(1)
		return 0, ErrTooLarge
	}

	parsed, err := block.Parse(blockBytes)
	if err != nil {
		r.rejects.Inc(1)
		return 0, fmt.Errorf("%w: %v", ErrUnsupportedType, err)
	}
	if !block.Verify(parsed) {
		r.rejects.Inc(1)
		return 0, ErrInvalidSignature
	}
	hash := block.Hash(parsed)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok, err := r.findByHashLocked(hash); err != nil {
		return 0, err
	} else if ok {
		return existing.Index, nil
	}

	idx, populated, err := r.findWritableSlotLocked()
	if err != nil {
		return 0, err
	}
	if populated {
		if err := r.store.EraseRange(r.slotOffset(idx), r.cfg.SlotSize); err != nil {
			return 0, fmt.Errorf("repo: erase slot %d: %w", idx, err)
		}
		r.recycles.Inc(1)
	}

	header := encodeHeader(storedAt, hops, hash)
	if err := r.store.Write(r.slotOffset(idx), header); err != nil {
		return 0, fmt.Errorf("repo: write header slot %d: %w", idx, err)
	}
	if err := r.store.Write(r.slotOffset(idx)+headerSize, blockBytes); err != nil {
		return 0, fmt.Errorf("repo: write body slot %d: %w", idx, err)
	}
	r.writes.Inc(1)
	r.log.Debug("block stored", "slot", idx, "hops", hops, "hash", fmt.Sprintf("%x", hash[:8]))
	return idx, nil
}

// findWritableSlotLocked implements spec.md §4.2 find_writable_slot, unified
// with the exact tie-break rule stated in the Recycle preference testable
// property (spec.md §8 item 3): minimum decay, then minimum stored date,
// then minimum index. Returns (index, wasPopulated, error).
func (r *Repository) findWritableSlotLocked() (int, bool, error) {
	type candidate struct {
		idx      int
		decay    uint8
		storedAt uint64
	}
	var best *candidate

	for i := 0; i < r.cfg.NumSlots; i++ {
		meta, populated, err := r.readHeader(i)
		if err != nil {
			return 0, false, fmt.Errorf("repo: read slot %d: %w", i, err)
		}
		if !populated {
			return i, false, nil
		}
		if best == nil ||
			meta.decay < best.decay ||
			(meta.decay == best.decay && meta.storedAt < best.storedAt) {
			best = &candidate{idx: i, decay: meta.decay, storedAt: meta.storedAt}
		}
	}
	if best == nil {
		// NumSlots == 0; a configuration error the caller should have caught.
		return 0, false, fmt.Errorf("repo: no slots configured")
	}
	return best.idx, true, nil
}

// All returns an iterator over every populated slot in storage order,
// stopping after at most NumSlots visits (spec.md §4.2 invariant iii).
func (r *Repository) All() iter.Seq[SlotView] {
	return func(yield func(SlotView) bool) {
		for i := 0; i < r.cfg.NumSlots; i++ {
			r.mu.Lock()
			meta, populated, err := r.readHeader(i)
			if err != nil || !populated {
				r.mu.Unlock()
				continue
			}
			bb, err := r.readBlockBytes(i)
			r.mu.Unlock()
			if err != nil {
				continue
			}
			sv := SlotView{
				Index:      i,
				Hops:       meta.hops,
				Decay:      meta.decay,
				StoredAt:   meta.storedAt,
				Hash:       meta.hash,
				BlockBytes: bb,
			}
			if !yield(sv) {
				return
			}
		}
	}
}

// FindByHash performs a linear scan for a slot whose content hash matches.
// Acceptable because N is small (spec.md §4.2).
func (r *Repository) FindByHash(hash [32]byte) (SlotView, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sv, ok, err := r.findByHashLocked(hash)
	if err != nil {
		return SlotView{}, false
	}
	return sv, ok
}

func (r *Repository) findByHashLocked(hash [32]byte) (SlotView, bool, error) {
	for i := 0; i < r.cfg.NumSlots; i++ {
		meta, populated, err := r.readHeader(i)
		if err != nil {
			return SlotView{}, false, err
		}
		if !populated || meta.hash != hash {
			continue
		}
		bb, err := r.readBlockBytes(i)
		if err != nil {
			return SlotView{}, false, err
		}
		return SlotView{
			Index:      i,
			Hops:       meta.hops,
			Decay:      meta.decay,
			StoredAt:   meta.storedAt,
			Hash:       meta.hash,
			BlockBytes: bb,
		}, true, nil
	}
	return SlotView{}, false, nil
}

// DecayDecrement clears the next one-bit in the slot's decay field: one
// share has been given out (spec.md open question: resolved to decrement on
// every successful resolve_want). It never erases flash.
func (r *Repository) DecayDecrement(slotIndex int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if slotIndex < 0 || slotIndex >= r.cfg.NumSlots {
		return ErrNotFound
	}
	buf := make([]byte, 8)
	off := r.slotOffset(slotIndex) + rawDecayOffset
	if _, err := r.store.Read(off, 8, buf); err != nil {
		return err
	}
	raw := beUint64(buf)
	raw = decrementDecay(raw)
	putBeUint64(buf, raw)
	return r.store.Write(off, buf)
}

// Purge erases the whole partition (factory-reset long-press, spec.md §4.2/§6.5).
func (r *Repository) Purge() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.EraseRange(0, r.cfg.NumSlots*r.cfg.SlotSize)
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b[:8] {
		v = v<<8 | uint64(c)
	}
	return v
}

func putBeUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
