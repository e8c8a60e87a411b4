package pbft

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/happybigmtn/bitchat-rust-sub006/pkg/consensus/messages"
	"github.com/happybigmtn/bitchat-rust-sub006/pkg/consensus/types"
)

var (
	ErrInsufficientSignatures = errors.New("pbft: certificate below quorum")
	ErrDuplicateSigner        = errors.New("pbft: duplicate signer in certificate")
	ErrNonValidatorSigner     = errors.New("pbft: certificate signer not in validator set")
	ErrBadCertSignature       = errors.New("pbft: certificate signature invalid")
)

// QuorumSize returns floor(2n/3)+1 for n validators. This threshold
// guarantees any two quorums intersect in at least one honest validator when
// at most floor((n-1)/3) are faulty.
func QuorumSize(n int) int {
	if n <= 0 {
		return 0
	}
	return (2*n)/3 + 1
}

// CertificateVerifier checks quorum certificates against a validator set.
// Verification succeeds only if every signature is authentic, every signer is
// an active validator, no signer appears twice and the count meets the
// quorum for the set's current size. Verified certificates are cached by
// content hash so re-gossiped QCs are cheap.
type CertificateVerifier struct {
	crypto     types.CryptoService
	validators types.ValidatorSet
	verified   *expirable.LRU[types.Hash32, struct{}]
}

// DefaultVerifiedQCCacheSize bounds the verified-certificate cache.
const DefaultVerifiedQCCacheSize = 1024

func NewCertificateVerifier(crypto types.CryptoService, validators types.ValidatorSet, ttl time.Duration) *CertificateVerifier {
	return &CertificateVerifier{
		crypto:     crypto,
		validators: validators,
		verified:   expirable.NewLRU[types.Hash32, struct{}](DefaultVerifiedQCCacheSize, nil, ttl),
	}
}

// BuildCertificate packages the commit votes gathered for an instance into a
// certificate. BatchHash is the digest of the certified proposal, which in
// turn covers the batch, so the commit signatures bind it directly. Votes are
// assumed already verified by the engine.
func BuildCertificate(view, sequence uint64, proposalHash types.Hash32, votes []*messages.Vote) *messages.QuorumCertificate {
	qc := &messages.QuorumCertificate{
		View:      view,
		Sequence:  sequence,
		BatchHash: proposalHash,
	}
	for _, v := range votes {
		qc.CommitSignatures = append(qc.CommitSignatures, messages.SignerSig{
			Signer: v.Voter,
			Sig:    encodeVoteSig(v),
		})
	}
	return qc
}

// A certificate signature blob is the 8-byte little-endian vote timestamp
// followed by the raw signature. The timestamp is the only vote field an
// independent verifier cannot reconstruct from the certificate itself.
const voteSigPrefixLen = 8

func encodeVoteSig(v *messages.Vote) []byte {
	out := make([]byte, 0, voteSigPrefixLen+len(v.Signature.Bytes))
	var ts [8]byte
	for i := 0; i < 8; i++ {
		ts[i] = byte(v.Timestamp >> (8 * i))
	}
	out = append(out, ts[:]...)
	out = append(out, v.Signature.Bytes...)
	return out
}

func decodeVoteSig(blob []byte) (timestamp uint64, sig []byte, err error) {
	if len(blob) <= voteSigPrefixLen {
		return 0, nil, fmt.Errorf("pbft: truncated certificate signature (%d bytes)", len(blob))
	}
	for i := 0; i < 8; i++ {
		timestamp |= uint64(blob[i]) << (8 * i)
	}
	return timestamp, blob[voteSigPrefixLen:], nil
}

// Verify checks a certificate. This is the zero-trust path: anyone holding
// the validator set can call it without participating in consensus.
func (cv *CertificateVerifier) Verify(qc *messages.QuorumCertificate) error {
	key := qc.Hash()
	if _, ok := cv.verified.Get(key); ok {
		return nil
	}

	n := cv.validators.ActiveCount()
	need := QuorumSize(n)
	if len(qc.CommitSignatures) < need {
		return fmt.Errorf("%w: %d signatures, need %d of %d validators",
			ErrInsufficientSignatures, len(qc.CommitSignatures), need, n)
	}

	seen := make(map[types.NodeID]bool, len(qc.CommitSignatures))
	for i, ss := range qc.CommitSignatures {
		if seen[ss.Signer] {
			return fmt.Errorf("%w: %s at index %d", ErrDuplicateSigner, ss.Signer.Short(), i)
		}
		seen[ss.Signer] = true
		if !cv.validators.IsActive(ss.Signer) {
			return fmt.Errorf("%w: %s", ErrNonValidatorSigner, ss.Signer.Short())
		}
		ts, sig, err := decodeVoteSig(ss.Sig)
		if err != nil {
			return err
		}
		vote := messages.Vote{
			Voter:        ss.Signer,
			Round:        qc.View,
			Sequence:     qc.Sequence,
			ProposalHash: qc.BatchHash,
			Phase:        types.VoteCommit,
			Timestamp:    ts,
		}
		if !cv.crypto.Verify(ss.Signer, vote.SignBytes(), sig) {
			return fmt.Errorf("%w: signer %s", ErrBadCertSignature, ss.Signer.Short())
		}
	}

	cv.verified.Add(key, struct{}{})
	return nil
}
