// Package registry implements the Peer Registry (spec.md §4.3): a bounded
// table of recently-sighted peers the Node State Machine consults to pick an
// initiation candidate, with RSSI-based selection and per-peer back-off.
package registry

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

// Result is the outcome of the most recent session with a peer.
type Result int

const (
	ResultUnknown Result = iota
	ResultOK
	ResultFail
)

// Config bounds the table and its back-off windows (spec.md §4.3, §5).
type Config struct {
	MaxPeers    int
	BackoffOK   time.Duration
	BackoffFail time.Duration
}

// DefaultConfig returns spec.md's typical values: MAX_PEERS=7,
// BACKOFF_OK=20s, BACKOFF_FAIL=7s.
func DefaultConfig() Config {
	return Config{
		MaxPeers:    7,
		BackoffOK:   20 * time.Second,
		BackoffFail: 7 * time.Second,
	}
}

// Record is one row of the peer table.
type Record struct {
	BSSID             [6]byte
	RSSI              int8
	LastSeen          time.Time
	LastSynced        time.Time
	LastResult        Result
	AdvertisedPayload []byte
}

// Registry is the bounded peer table. The zero value is not usable;
// construct with New. Safe for concurrent use: discovery callbacks call
// Observe while the state machine calls Select/MarkResult from a different
// goroutine (spec.md §5: "Peer Registry observations may arrive from
// discovery callbacks concurrently with registry reads... protect... with a
// lock").
type Registry struct {
	cfg Config
	log log.Logger

	mu      sync.Mutex
	records []Record // len <= cfg.MaxPeers; holds only filled records

	observations metrics.Counter
	evictions    metrics.Counter
}

// New constructs an empty Registry.
func New(cfg Config) *Registry {
	return &Registry{
		cfg:          cfg,
		log:          log.Root().New("component", "registry"),
		records:      make([]Record, 0, cfg.MaxPeers),
		observations: metrics.GetOrRegisterCounter("registry/observations", nil),
		evictions:    metrics.GetOrRegisterCounter("registry/evictions", nil),
	}
}

// Observe records a sighting. If bssid already has a record, it is refreshed
// in place; else an empty slot is filled; else the weakest-RSSI record is
// evicted and replaced (spec.md §4.3).
func (r *Registry) Observe(bssid [6]byte, rssi int8, payload []byte, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observations.Inc(1)

	for i := range r.records {
		if r.records[i].BSSID == bssid {
			r.records[i].RSSI = rssi
			r.records[i].LastSeen = now
			r.records[i].AdvertisedPayload = payload
			return
		}
	}

	if len(r.records) < r.cfg.MaxPeers {
		r.records = append(r.records, Record{
			BSSID:             bssid,
			RSSI:              rssi,
			LastSeen:          now,
			AdvertisedPayload: payload,
		})
		return
	}

	weakest := 0
	for i := 1; i < len(r.records); i++ {
		if r.records[i].RSSI < r.records[weakest].RSSI {
			weakest = i
		}
	}
	r.evictions.Inc(1)
	r.log.Debug("evicting weakest peer", "bssid", r.records[weakest].BSSID, "rssi", r.records[weakest].RSSI)
	r.records[weakest] = Record{
		BSSID:             bssid,
		RSSI:              rssi,
		LastSeen:          now,
		AdvertisedPayload: payload,
	}
}

// Select returns the best initiation candidate, or ok=false if none
// qualifies (spec.md §4.3): excludes peers still inside their OK/FAIL
// back-off window, then maximizes RSSI, tie-breaking on most recent
// LastSeen.
func (r *Registry) Select(now time.Time) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *Record
	for i := range r.records {
		rec := &r.records[i]
		switch rec.LastResult {
		case ResultOK:
			if now.Sub(rec.LastSynced) < r.cfg.BackoffOK {
				continue
			}
		case ResultFail:
			if now.Sub(rec.LastSynced) < r.cfg.BackoffFail {
				continue
			}
		}
		if best == nil ||
			rec.RSSI > best.RSSI ||
			(rec.RSSI == best.RSSI && rec.LastSeen.After(best.LastSeen)) {
			best = rec
		}
	}
	if best == nil {
		return Record{}, false
	}
	return *best, true
}

// MarkResult records the outcome of a session with bssid, updating
// LastSynced and LastResult (spec.md §4.3). A no-op if bssid is not present.
func (r *Registry) MarkResult(bssid [6]byte, result Result, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.records {
		if r.records[i].BSSID == bssid {
			r.records[i].LastSynced = now
			r.records[i].LastResult = result
			return
		}
	}
}
