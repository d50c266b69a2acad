package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/transparency-dev/merkle/proof"

	"github.com/jmerrifield20/openregister/internal/canonical"
	"github.com/jmerrifield20/openregister/internal/merkle"
)

// ErrVerification is returned when a proof does not match the tree head.
var ErrVerification = errors.New("proof verification failed")

// LeafHash recomputes the Merkle leaf hash of e from its fields.
func LeafHash(e *Entry) ([]byte, error) {
	fields := canonical.Object{
		"entry-number":    e.EntryNumber,
		"entry-timestamp": optional(e.EntryTimestamp),
		"item-hash":       optional(e.ItemHash),
		"key":             optional(e.Key),
		"item-signature":  optional(e.ItemSignature),
	}
	return merkle.LeafHash(fields)
}

func optional(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// VerifyInclusion checks that e is the leaf at its entry number in the tree
// described by head.
func VerifyInclusion(e *Entry, p *EntryProof, head *TreeHead) error {
	if e.EntryNumber < 1 || e.EntryNumber > head.TreeSize {
		return fmt.Errorf("%w: entry %d outside tree of %d", ErrVerification, e.EntryNumber, head.TreeSize)
	}
	leaf, err := LeafHash(e)
	if err != nil {
		return err
	}
	root, err := merkle.ParseDigest(head.RootHash)
	if err != nil {
		return err
	}
	path, err := parseDigests(p.AuditPath)
	if err != nil {
		return err
	}
	if err := proof.VerifyInclusion(merkle.Hasher, uint64(e.EntryNumber-1), uint64(head.TreeSize), leaf, path, root); err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	return nil
}

// VerifyConsistency checks that older is a prefix of newer.
func VerifyConsistency(older, newer *TreeHead, p *ConsistencyProof) error {
	oldRoot, err := merkle.ParseDigest(older.RootHash)
	if err != nil {
		return err
	}
	newRoot, err := merkle.ParseDigest(newer.RootHash)
	if err != nil {
		return err
	}
	nodes, err := parseDigests(p.Nodes)
	if err != nil {
		return err
	}
	if err := proof.VerifyConsistency(merkle.Hasher, uint64(older.TreeSize), uint64(newer.TreeSize), nodes, oldRoot, newRoot); err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	return nil
}

// VerifyEntry fetches entry number, its audit path in the current tree and
// the tree head, and checks them against each other.
func (c *Client) VerifyEntry(ctx context.Context, number int64) (*TreeHead, error) {
	head, err := c.TreeHead(ctx)
	if err != nil {
		return nil, err
	}
	e, err := c.Entry(ctx, number)
	if err != nil {
		return nil, err
	}
	p, err := c.EntryProof(ctx, number, head.TreeSize)
	if err != nil {
		return nil, err
	}
	if err := VerifyInclusion(e, p, head); err != nil {
		return nil, err
	}
	return head, nil
}

// VerifyGrowth fetches the current tree head and checks that the previously
// trusted head is consistent with it.
func (c *Client) VerifyGrowth(ctx context.Context, trusted *TreeHead) (*TreeHead, error) {
	head, err := c.TreeHead(ctx)
	if err != nil {
		return nil, err
	}
	if trusted.TreeSize == 0 {
		return head, nil
	}
	p, err := c.ConsistencyProof(ctx, trusted.TreeSize, head.TreeSize)
	if err != nil {
		return nil, err
	}
	if err := VerifyConsistency(trusted, head, p); err != nil {
		return nil, err
	}
	return head, nil
}

func parseDigests(ss []string) ([][]byte, error) {
	out := make([][]byte, 0, len(ss))
	for _, s := range ss {
		h, err := merkle.ParseDigest(s)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}
