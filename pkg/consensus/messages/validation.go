package messages

import (
	"errors"
	"fmt"

	"github.com/happybigmtn/bitchat-rust-sub006/pkg/consensus/types"
)

var (
	ErrBadSignature   = errors.New("messages: signature verification failed")
	ErrSignerMismatch = errors.New("messages: signature signer does not match message author")
	ErrBadPhase       = errors.New("messages: invalid vote phase")
	ErrNoOperations   = errors.New("messages: batch has no operations")
)

// Verifier validates message structure and authenticity. Signature checks go
// through the shared SignatureCache.
type Verifier struct {
	sigs *SignatureCache
}

func NewVerifier(sigs *SignatureCache) *Verifier {
	return &Verifier{sigs: sigs}
}

// VerifyOperation checks the client signature over the operation.
func (v *Verifier) VerifyOperation(op *Operation) error {
	if op.Signature.Signer != op.Client {
		return ErrSignerMismatch
	}
	if !v.sigs.Verify(op.Client, op.SignBytes(), op.Signature.Bytes) {
		return fmt.Errorf("%w: operation %s", ErrBadSignature, op.ID.Short())
	}
	return nil
}

// VerifyProposal checks structure and the proposer signature. It does not
// check leader eligibility; that is the engine's call against the current
// view.
func (v *Verifier) VerifyProposal(p *Proposal) error {
	if len(p.Operation) == 0 {
		return ErrNoOperations
	}
	if p.Signature.Signer != p.Proposer {
		return ErrSignerMismatch
	}
	if !v.sigs.Verify(p.Proposer, p.SignBytes(), p.Signature.Bytes) {
		return fmt.Errorf("%w: proposal round %d from %s", ErrBadSignature, p.Round, p.Proposer.Short())
	}
	return nil
}

// VerifyVote checks phase validity and the voter signature.
func (v *Verifier) VerifyVote(vote *Vote) error {
	if !vote.Phase.Valid() {
		return fmt.Errorf("%w: %d", ErrBadPhase, vote.Phase)
	}
	if vote.Signature.Signer != vote.Voter {
		return ErrSignerMismatch
	}
	if !v.sigs.Verify(vote.Voter, vote.SignBytes(), vote.Signature.Bytes) {
		return fmt.Errorf("%w: %s vote round %d from %s",
			ErrBadSignature, vote.Phase, vote.Round, vote.Voter.Short())
	}
	return nil
}

// VerifyViewChange checks the announcing node's signature.
func (v *Verifier) VerifyViewChange(vc *ViewChange) error {
	if vc.Signature.Signer != vc.Node {
		return ErrSignerMismatch
	}
	if !v.sigs.Verify(vc.Node, vc.SignBytes(), vc.Signature.Bytes) {
		return fmt.Errorf("%w: view change to %d from %s", ErrBadSignature, vc.NewView, vc.Node.Short())
	}
	return nil
}

// VerifyNewView checks the leader signature and every embedded proof.
func (v *Verifier) VerifyNewView(nv *NewView) error {
	if nv.Signature.Signer != nv.Leader {
		return ErrSignerMismatch
	}
	if !v.sigs.Verify(nv.Leader, nv.SignBytes(), nv.Signature.Bytes) {
		return fmt.Errorf("%w: new view %d from %s", ErrBadSignature, nv.NewView, nv.Leader.Short())
	}
	for i := range nv.Proofs {
		if nv.Proofs[i].NewView != nv.NewView {
			return fmt.Errorf("messages: proof %d targets view %d, new-view is %d",
				i, nv.Proofs[i].NewView, nv.NewView)
		}
		if err := v.VerifyViewChange(&nv.Proofs[i]); err != nil {
			return fmt.Errorf("proof %d: %w", i, err)
		}
	}
	return nil
}

// SignVote fills the signature on a vote using the local key.
func SignVote(crypto types.CryptoService, vote *Vote) error {
	sig, err := crypto.Sign(vote.SignBytes())
	if err != nil {
		return fmt.Errorf("sign vote: %w", err)
	}
	vote.Signature = types.Signature{Bytes: sig, Signer: crypto.LocalID()}
	return nil
}

// SignProposal fills the signature on a proposal using the local key.
func SignProposal(crypto types.CryptoService, p *Proposal) error {
	sig, err := crypto.Sign(p.SignBytes())
	if err != nil {
		return fmt.Errorf("sign proposal: %w", err)
	}
	p.Signature = types.Signature{Bytes: sig, Signer: crypto.LocalID()}
	return nil
}

// SignViewChange fills the signature on a view-change announcement.
func SignViewChange(crypto types.CryptoService, vc *ViewChange) error {
	sig, err := crypto.Sign(vc.SignBytes())
	if err != nil {
		return fmt.Errorf("sign view change: %w", err)
	}
	vc.Signature = types.Signature{Bytes: sig, Signer: crypto.LocalID()}
	return nil
}

// SignNewView fills the signature on a new-view announcement.
func SignNewView(crypto types.CryptoService, nv *NewView) error {
	sig, err := crypto.Sign(nv.SignBytes())
	if err != nil {
		return fmt.Errorf("sign new view: %w", err)
	}
	nv.Signature = types.Signature{Bytes: sig, Signer: crypto.LocalID()}
	return nil
}
