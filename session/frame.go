package session

import (
	"fmt"
)

// Type tag low 4 bits (spec.md §4.5).
const (
	tagReconcile        byte = 0b0001
	tagExchange         byte = 0b0010
	tagExchangeGive     byte = 0b0110
	tagExchangeWant     byte = 0b1010
	tagExchangeGiveWant byte = 0b1110

	flagGive byte = 0b0100
	flagWant byte = 0b1000
)

// ErrMalformedFrame is returned by decodeExchangeFrame for a body too short
// to carry its declared fields, and by frameType for an empty frame.
var ErrMalformedFrame = fmt.Errorf("session: malformed frame")

func isKnownTag(tag byte) bool {
	switch tag {
	case tagReconcile, tagExchange, tagExchangeGive, tagExchangeWant, tagExchangeGiveWant:
		return true
	default:
		return false
	}
}

func encodeReconcileFrame(blob []byte) []byte {
	out := make([]byte, 1+len(blob))
	out[0] = tagReconcile
	copy(out[1:], blob)
	return out
}

// exchangeFrame is the decoded form of an EXCHANGE message's flags and body
// (spec.md §4.5 EXCHANGE body layout).
type exchangeFrame struct {
	hasWant    bool
	wantHash   [32]byte
	hasGive    bool
	offerHops  uint8
	blockBytes []byte
}

func encodeExchangeFrame(f exchangeFrame) []byte {
	tag := tagExchange
	if f.hasGive {
		tag |= flagGive
	}
	if f.hasWant {
		tag |= flagWant
	}
	body := make([]byte, 0, 1+32+1+len(f.blockBytes))
	body = append(body, tag)
	var want [32]byte
	if f.hasWant {
		want = f.wantHash
	}
	body = append(body, want[:]...)
	if f.hasGive {
		body = append(body, f.offerHops)
		body = append(body, f.blockBytes...)
	}
	return body
}

func decodeExchangeFrame(tag byte, body []byte) (exchangeFrame, error) {
	f := exchangeFrame{hasWant: tag&flagWant != 0, hasGive: tag&flagGive != 0}
	if len(body) < 32 {
		return exchangeFrame{}, fmt.Errorf("%w: want_hash truncated", ErrMalformedFrame)
	}
	copy(f.wantHash[:], body[:32])
	rest := body[32:]
	if f.hasGive {
		if len(rest) < 1 {
			return exchangeFrame{}, fmt.Errorf("%w: offer_hops missing", ErrMalformedFrame)
		}
		f.offerHops = rest[0]
		f.blockBytes = append([]byte(nil), rest[1:]...)
	}
	return f, nil
}

// frameType splits an inbound message into its type tag and body, per the
// wire layout "type(1) || variant body".
func frameType(raw []byte) (tag byte, body []byte, err error) {
	if len(raw) < 1 {
		return 0, nil, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	return raw[0], raw[1:], nil
}
