// Package block implements the wire codec for signed content blocks: parsing,
// sizing, signature verification, and content hashing.
package block

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Type tags distinguish block variants on the wire. Only Canonical is
// accepted by the repository; any other tag is a parse error.
const (
	TypeCanonical byte = 0x01
)

const (
	pubKeySize   = ed25519.PublicKeySize // 32
	sigSize      = ed25519.SignatureSize // 64
	dateSize     = 8
	typeTagSize  = 1
	headerSize   = typeTagSize + pubKeySize + dateSize + sigSize
	// MaxBlockSize bounds a whole encoded block (header + body) to one
	// session frame (spec.md §4.5: frames are at most 4096 bytes).
	MaxBlockSize = 4096
	// MaxBodySize is the largest body a block may carry once the header is
	// accounted for.
	MaxBodySize = MaxBlockSize - headerSize
)

var (
	// ErrUnsupportedType is returned when the leading type tag is not TypeCanonical.
	ErrUnsupportedType = errors.New("block: unsupported type")
	// ErrMalformed is returned when a block is too short or internally inconsistent.
	ErrMalformed = errors.New("block: malformed")
	// ErrBadSignature names a failed signature check for callers that report
	// one as an error; Verify itself returns a bool and never this error.
	ErrBadSignature = errors.New("block: invalid signature")
)

// Block is a parsed, immutable signed content block. Raw holds the exact
// bytes it was parsed from; Hash and repository storage operate on Raw, not
// on a re-encoding of the fields, so round-tripping is always byte-exact.
type Block struct {
	Type         byte
	AuthorPubKey [32]byte
	DateUTCMs    uint64
	Signature    [64]byte
	Body         []byte
	Raw          []byte
}

// Parse decodes the canonical wire layout:
//
//	type(1) || author_pubkey(32) || date_utc_ms(8, BE) || signature(64) || body(<=MaxBodySize)
//
// It does not verify the signature; call Verify separately. Parse rejects
// anything that isn't TypeCanonical so the repository never has to reason
// about other variants.
func Parse(data []byte) (*Block, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformed, len(data), headerSize)
	}
	if len(data) > MaxBlockSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds max %d", ErrMalformed, len(data), MaxBlockSize)
	}
	typ := data[0]
	if typ != TypeCanonical {
		return nil, fmt.Errorf("%w: tag 0x%02x", ErrUnsupportedType, typ)
	}

	b := &Block{Type: typ}
	off := typeTagSize
	copy(b.AuthorPubKey[:], data[off:off+pubKeySize])
	off += pubKeySize
	b.DateUTCMs = binary.BigEndian.Uint64(data[off : off+dateSize])
	off += dateSize
	copy(b.Signature[:], data[off:off+sigSize])
	off += sigSize
	b.Body = append([]byte(nil), data[off:]...)
	b.Raw = append([]byte(nil), data...)
	return b, nil
}

// Encode produces the canonical wire bytes for a block built from fields
// (used by tests and by anything minting new blocks locally).
func Encode(authorPubKey ed25519.PublicKey, dateUTCMs uint64, signature, body []byte) ([]byte, error) {
	if len(authorPubKey) != pubKeySize {
		return nil, fmt.Errorf("%w: author key is %d bytes, want %d", ErrMalformed, len(authorPubKey), pubKeySize)
	}
	if len(signature) != sigSize {
		return nil, fmt.Errorf("%w: signature is %d bytes, want %d", ErrMalformed, len(signature), sigSize)
	}
	if len(body) > MaxBodySize {
		return nil, fmt.Errorf("%w: body is %d bytes, max %d", ErrMalformed, len(body), MaxBodySize)
	}
	out := make([]byte, 0, headerSize+len(body))
	out = append(out, TypeCanonical)
	out = append(out, authorPubKey...)
	var dateBuf [dateSize]byte
	binary.BigEndian.PutUint64(dateBuf[:], dateUTCMs)
	out = append(out, dateBuf[:]...)
	out = append(out, signature...)
	out = append(out, body...)
	return out, nil
}

// SignedPayload returns body‖date‖author, the exact byte sequence the
// signature covers (spec.md §3: "verify(body‖date‖author, signature,
// author_pubkey)").
func (b *Block) SignedPayload() []byte {
	var dateBuf [dateSize]byte
	binary.BigEndian.PutUint64(dateBuf[:], b.DateUTCMs)
	payload := make([]byte, 0, len(b.Body)+dateSize+pubKeySize)
	payload = append(payload, b.Body...)
	payload = append(payload, dateBuf[:]...)
	payload = append(payload, b.AuthorPubKey[:]...)
	return payload
}

// Size returns the exact encoded size of the block in bytes.
func Size(b *Block) int {
	return len(b.Raw)
}

// Verify checks the embedded Ed25519 signature over body‖date‖author using
// the embedded author_pubkey. It never returns an error: a malformed
// signature is simply "not verified".
func Verify(b *Block) bool {
	return ed25519.Verify(b.AuthorPubKey[:], b.SignedPayload(), b.Signature[:])
}

// Hash computes the block's content hash: Blake2b-256 over the canonical
// serialization (Raw). It is distinct from the signature and is what the
// repository indexes blocks by.
func Hash(b *Block) [32]byte {
	return blake2b.Sum256(b.Raw)
}

// ReadDate returns the block's embedded author-asserted timestamp.
func ReadDate(b *Block) uint64 {
	return b.DateUTCMs
}
