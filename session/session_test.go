package session

import (
	"crypto/ed25519"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/picoswarm/snail/block"
	"github.com/picoswarm/snail/clock"
	"github.com/picoswarm/snail/reconcile"
	"github.com/picoswarm/snail/repo"
	"github.com/picoswarm/snail/storage"
	"github.com/picoswarm/snail/transport"
)

func signedBlock(t *testing.T, date uint64, body []byte) []byte {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var dateBuf [8]byte
	binary.BigEndian.PutUint64(dateBuf[:], date)
	payload := append(append([]byte(nil), body...), dateBuf[:]...)
	payload = append(payload, pub...)
	sig := ed25519.Sign(priv, payload)
	raw, err := block.Encode(pub, date, sig, body)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return raw
}

func newTestRepo(t *testing.T, numSlots int) *repo.Repository {
	t.Helper()
	cfg := repo.Config{SlotSize: 512, NumSlots: numSlots, MaxHops: 50, Label: "test"}
	store := storage.NewMemStore("test", cfg.SlotSize*numSlots, 64)
	r, err := repo.Init(store, cfg)
	if err != nil {
		t.Fatalf("repo init: %v", err)
	}
	return r
}

type pairResult struct {
	exitA, exitB int
}

func runSession(t *testing.T, repoA, repoB *repo.Repository) pairResult {
	t.Helper()
	a, b := transport.NewPipe()
	var wg sync.WaitGroup
	var res pairResult
	var mu sync.Mutex

	cfg := DefaultConfig()
	clkA, clkB := clock.New(), clock.New()

	engA := NewEngine(cfg, repoA, func() reconcile.Reconciler {
		return reconcile.NewSetReconcilerFromRepository(repoA, cfg.MaxHops)
	}, clkA, func(code int) {
		mu.Lock()
		res.exitA = code
		mu.Unlock()
	})
	engB := NewEngine(cfg, repoB, func() reconcile.Reconciler {
		return reconcile.NewSetReconcilerFromRepository(repoB, cfg.MaxHops)
	}, clkB, func(code int) {
		mu.Lock()
		res.exitB = code
		mu.Unlock()
	})

	wg.Add(2)
	go func() { defer wg.Done(); transport.Run(a, true, engA) }()
	go func() { defer wg.Done(); transport.Run(b, false, engB) }()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not terminate within timeout")
	}
	return res
}

func countSlots(r *repo.Repository) int {
	n := 0
	for range r.All() {
		n++
	}
	return n
}

func TestEmptyVsEmptyReconciliation(t *testing.T) {
	repoA := newTestRepo(t, 4)
	repoB := newTestRepo(t, 4)
	res := runSession(t, repoA, repoB)
	if res.exitA != ExitOK || res.exitB != ExitOK {
		t.Fatalf("expected both sides to exit cleanly, got %+v", res)
	}
	if countSlots(repoA) != 0 || countSlots(repoB) != 0 {
		t.Fatal("expected both repositories to remain empty")
	}
}

func TestOneWayDeliveryPopulatesPeer(t *testing.T) {
	repoA := newTestRepo(t, 8)
	repoB := newTestRepo(t, 8)

	raws := [][]byte{
		signedBlock(t, 1000, []byte("b1")),
		signedBlock(t, 1001, []byte("b2")),
		signedBlock(t, 1002, []byte("b3")),
	}
	for _, raw := range raws {
		if _, err := repoA.Write(raw, 0, 1000); err != nil {
			t.Fatalf("seed repoA: %v", err)
		}
	}

	res := runSession(t, repoA, repoB)
	if res.exitA != ExitOK || res.exitB != ExitOK {
		t.Fatalf("expected clean exit, got %+v", res)
	}
	if countSlots(repoB) != 3 {
		t.Fatalf("expected B to end with 3 blocks, got %d", countSlots(repoB))
	}
	if countSlots(repoA) != 3 {
		t.Fatal("expected A's repository to be unchanged")
	}
	for sv := range repoB.All() {
		if sv.Hops != 1 {
			t.Fatalf("expected delivered block to be stored with hops=1, got %d", sv.Hops)
		}
	}
}

func TestSymmetricDeltaConverges(t *testing.T) {
	repoA := newTestRepo(t, 8)
	repoB := newTestRepo(t, 8)

	b1 := signedBlock(t, 1000, []byte("b1"))
	b2 := signedBlock(t, 1001, []byte("b2"))
	b3 := signedBlock(t, 1002, []byte("b3"))

	for _, raw := range [][]byte{b1, b2} {
		if _, err := repoA.Write(raw, 0, 1000); err != nil {
			t.Fatalf("seed repoA: %v", err)
		}
	}
	for _, raw := range [][]byte{b2, b3} {
		if _, err := repoB.Write(raw, 0, 1000); err != nil {
			t.Fatalf("seed repoB: %v", err)
		}
	}

	res := runSession(t, repoA, repoB)
	if res.exitA != ExitOK || res.exitB != ExitOK {
		t.Fatalf("expected clean exit, got %+v", res)
	}
	if countSlots(repoA) != 3 || countSlots(repoB) != 3 {
		t.Fatalf("expected both sides to converge to 3 blocks, got A=%d B=%d", countSlots(repoA), countSlots(repoB))
	}
}

func TestForgeryRejection(t *testing.T) {
	repoA := newTestRepo(t, 8)
	repoB := newTestRepo(t, 8)

	forged := signedBlock(t, 1000, []byte("evil"))
	forged[len(forged)-1] ^= 0xFF // corrupt a body byte so the signature no longer verifies
	if _, err := repoA.Write(forged, 0, 1000); err == nil {
		t.Fatal("expected the forged block to be rejected even when writing directly")
	}

	// Seed it past verification by writing the header manually is out of
	// scope for this black-box test; instead confirm the session simply
	// never propagates an unverifiable block that never made it into A's
	// repository to begin with, leaving B empty.
	res := runSession(t, repoA, repoB)
	if res.exitA != ExitOK || res.exitB != ExitOK {
		t.Fatalf("expected clean exit for an empty-vs-empty pairing, got %+v", res)
	}
	if countSlots(repoB) != 0 {
		t.Fatal("expected B's repository to remain empty")
	}
}

func newTestEngine(t *testing.T, cfg Config, r *repo.Repository) (*Engine, *int) {
	t.Helper()
	exitCode := -1
	eng := NewEngine(cfg, r, func() reconcile.Reconciler {
		return reconcile.NewSetReconcilerFromRepository(r, cfg.MaxHops)
	}, clock.New(), func(code int) { exitCode = code })
	eng.OnOpen(false) // non-initiator: simplest path for direct OnData unit tests
	return eng, &exitCode
}

func TestOnDataMalformedFrameClosesWithProtocolError(t *testing.T) {
	r := newTestRepo(t, 4)
	eng, _ := newTestEngine(t, DefaultConfig(), r)

	act := eng.OnData(nil)
	if act.Kind != transport.Close || act.ExitCode != ExitProtocolError {
		t.Fatalf("expected Close(ExitProtocolError), got %+v", act)
	}
}

func TestOnDataUnknownTagClosesWithProtocolError(t *testing.T) {
	r := newTestRepo(t, 4)
	eng, _ := newTestEngine(t, DefaultConfig(), r)

	act := eng.OnData([]byte{0xFF, 0x00})
	if act.Kind != transport.Close || act.ExitCode != ExitProtocolError {
		t.Fatalf("expected Close(ExitProtocolError), got %+v", act)
	}
}

func TestRoundCapExceededClosesWithRoundCapExitCode(t *testing.T) {
	r := newTestRepo(t, 4)
	cfg := DefaultConfig()
	cfg.MaxRounds = 3
	eng, _ := newTestEngine(t, cfg, r)

	frame := encodeReconcileFrame(nil)
	var last transport.Action
	for i := 0; i < cfg.MaxRounds+1; i++ {
		last = eng.OnData(frame)
	}
	if last.Kind != transport.Close || last.ExitCode != ExitRoundCapExceeded {
		t.Fatalf("expected the round past the cap to close with ExitRoundCapExceeded, got %+v", last)
	}
}

func TestRepeatedVerificationFailuresCloseWithVerificationNoise(t *testing.T) {
	r := newTestRepo(t, 4)
	cfg := DefaultConfig()
	cfg.MaxVerificationNoise = 2
	eng, _ := newTestEngine(t, cfg, r)

	badGive := encodeExchangeFrame(exchangeFrame{hasGive: true, offerHops: 0, blockBytes: []byte("not a valid block")})

	first := eng.OnData(badGive)
	if first.Kind == transport.Close {
		t.Fatalf("expected the first bad block to be dropped, not close the session, got %+v", first)
	}

	second := eng.OnData(badGive)
	if second.Kind != transport.Close || second.ExitCode != ExitVerificationNoise {
		t.Fatalf("expected the session to close with ExitVerificationNoise once noise exceeds the threshold, got %+v", second)
	}
}

func TestRingBufferRecyclingDuringDelivery(t *testing.T) {
	repoA := newTestRepo(t, 8)
	repoB := newTestRepo(t, 4) // small enough that delivery forces recycling

	for i := 0; i < 5; i++ {
		raw := signedBlock(t, uint64(1000+i), []byte{byte(i)})
		if _, err := repoA.Write(raw, 0, uint64(1000+i)); err != nil {
			t.Fatalf("seed repoA %d: %v", i, err)
		}
	}

	res := runSession(t, repoA, repoB)
	if res.exitA != ExitOK || res.exitB != ExitOK {
		t.Fatalf("expected clean exit, got %+v", res)
	}
	if countSlots(repoB) != 4 {
		t.Fatalf("expected B to hold exactly its capacity of 4 blocks, got %d", countSlots(repoB))
	}
}
