package messages

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/happybigmtn/bitchat-rust-sub006/pkg/consensus/types"
)

var (
	ErrMessageTooLarge = errors.New("messages: message exceeds size limit")
	ErrEmptyMessage    = errors.New("messages: empty message")
)

// Per-type decode size limits. Oversized payloads are rejected before any
// CBOR work happens. View changes carry prepared proofs with full proposals,
// so their limit (and the new-view limit, which embeds a quorum of them)
// tracks the proposal limit.
const (
	MaxOperationSize   = 64 * 1024
	MaxBatchSize       = 8 * 1024 * 1024
	MaxProposalSize    = 8 * 1024 * 1024
	MaxVoteSize        = 4 * 1024
	MaxViewChangeSize  = 32 * 1024 * 1024
	MaxNewViewSize     = 128 * 1024 * 1024
	MaxCertificateSize = 256 * 1024
)

// Codec provides canonical CBOR encoding for consensus messages. Encoding is
// deterministic (core deterministic encoding options) so sign bytes and
// hashes are stable across nodes.
type Codec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCodec builds the codec. Fails only on misconfigured CBOR modes, which is
// a programming error.
func NewCodec() (*Codec, error) {
	encOpts := cbor.CoreDetEncOptions()
	encOpts.Time = cbor.TimeUnix
	enc, err := encOpts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("messages: encode mode: %w", err)
	}
	dec, err := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		MaxArrayElements: 65536,
		MaxMapPairs:      65536,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("messages: decode mode: %w", err)
	}
	return &Codec{enc: enc, dec: dec}, nil
}

// Encode serializes any consensus message canonically.
func (c *Codec) Encode(v interface{}) ([]byte, error) {
	data, err := c.enc.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("messages: encode %T: %w", v, err)
	}
	return data, nil
}

func (c *Codec) decode(data []byte, limit int, v interface{}) error {
	if len(data) == 0 {
		return ErrEmptyMessage
	}
	if len(data) > limit {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(data), limit)
	}
	if err := c.dec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("messages: decode %T: %w", v, err)
	}
	return nil
}

func (c *Codec) DecodeOperation(data []byte) (*Operation, error) {
	var op Operation
	if err := c.decode(data, MaxOperationSize, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

func (c *Codec) DecodeBatch(data []byte) (*Batch, error) {
	var b Batch
	if err := c.decode(data, MaxBatchSize, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Codec) DecodeProposal(data []byte) (*Proposal, error) {
	var p Proposal
	if err := c.decode(data, MaxProposalSize, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Codec) DecodeVote(data []byte) (*Vote, error) {
	var v Vote
	if err := c.decode(data, MaxVoteSize, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *Codec) DecodeViewChange(data []byte) (*ViewChange, error) {
	var vc ViewChange
	if err := c.decode(data, MaxViewChangeSize, &vc); err != nil {
		return nil, err
	}
	return &vc, nil
}

func (c *Codec) DecodeNewView(data []byte) (*NewView, error) {
	var nv NewView
	if err := c.decode(data, MaxNewViewSize, &nv); err != nil {
		return nil, err
	}
	return &nv, nil
}

func (c *Codec) DecodeCertificate(data []byte) (*QuorumCertificate, error) {
	var qc QuorumCertificate
	if err := c.decode(data, MaxCertificateSize, &qc); err != nil {
		return nil, err
	}
	return &qc, nil
}

// SignatureCache memoizes successful signature verifications. The key binds
// signer, message digest and signature together, so a hit can only occur for
// the exact triple that previously verified. Failed verifications are never
// cached; a cache miss always performs the real check.
type SignatureCache struct {
	crypto types.CryptoService
	cache  *expirable.LRU[types.Hash32, struct{}]
	hits   atomic.Uint64
	misses atomic.Uint64
}

// DefaultSignatureCacheSize bounds the cache; old entries are evicted LRU.
const DefaultSignatureCacheSize = 10000

// NewSignatureCache wraps a crypto service with verification memoization.
func NewSignatureCache(crypto types.CryptoService, size int, ttl time.Duration) *SignatureCache {
	if size <= 0 {
		size = DefaultSignatureCacheSize
	}
	return &SignatureCache{
		crypto: crypto,
		cache:  expirable.NewLRU[types.Hash32, struct{}](size, nil, ttl),
	}
}

func cacheKey(signer types.NodeID, data, signature []byte) types.Hash32 {
	h := sha256.New()
	h.Write(signer[:])
	msgHash := sha256.Sum256(data)
	h.Write(msgHash[:])
	h.Write(signature)
	var out types.Hash32
	copy(out[:], h.Sum(nil))
	return out
}

// Verify checks a signature, consulting the cache first.
func (s *SignatureCache) Verify(signer types.NodeID, data, signature []byte) bool {
	key := cacheKey(signer, data, signature)
	if _, ok := s.cache.Get(key); ok {
		s.hits.Add(1)
		return true
	}
	s.misses.Add(1)
	if !s.crypto.Verify(signer, data, signature) {
		return false
	}
	s.cache.Add(key, struct{}{})
	return true
}

// HitRate returns the fraction of lookups served from cache.
func (s *SignatureCache) HitRate() float64 {
	hits := s.hits.Load()
	total := hits + s.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
