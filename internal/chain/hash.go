package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// ComputeEventHash returns hex(SHA-256((prevHash ?? "") || canonical(input))).
func ComputeEventHash(input any, prevHash *string) (string, error) {
	encoded, err := Canonicalize(input)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	if prevHash != nil {
		_, _ = h.Write([]byte(*prevHash))
	}
	_, _ = h.Write(encoded)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Link is one stored element of a chain.
type Link interface {
	ChainInput() map[string]any
	ChainHash() string
	ChainPrevHash() *string
}

var ErrChainBroken = errors.New("chain_broken")

// BreakError reports the first link that does not verify.
type BreakError struct {
	Index  int
	Reason string
}

func (e *BreakError) Error() string {
	return fmt.Sprintf("chain broken at %d: %s", e.Index, e.Reason)
}

func (e *BreakError) Unwrap() error { return ErrChainBroken }

// Verify recomputes every hash in order. links must be in chain order,
// starting from the first event of the workspace.
func Verify[L Link](links []L) error {
	var v Verifier
	for _, link := range links {
		if err := v.Add(link); err != nil {
			return err
		}
	}
	return nil
}

// Verifier checks a chain one link at a time, for chains read in pages.
type Verifier struct {
	prev *string
	n    int
}

// Add checks link against the previous one.
func (v *Verifier) Add(link Link) error {
	i := v.n
	stored := link.ChainPrevHash()
	switch {
	case v.prev == nil && stored != nil:
		return &BreakError{Index: i, Reason: "first link has a previous hash"}
	case v.prev != nil && (stored == nil || *stored != *v.prev):
		return &BreakError{Index: i, Reason: "previous hash mismatch"}
	}

	want, err := ComputeEventHash(link.ChainInput(), stored)
	if err != nil {
		return err
	}
	if want != link.ChainHash() {
		return &BreakError{Index: i, Reason: "hash mismatch"}
	}
	h := link.ChainHash()
	v.prev = &h
	v.n++
	return nil
}

// Len is the number of links verified so far.
func (v *Verifier) Len() int { return v.n }

// Head is the hash of the last verified link.
func (v *Verifier) Head() string {
	if v.prev == nil {
		return ""
	}
	return *v.prev
}
