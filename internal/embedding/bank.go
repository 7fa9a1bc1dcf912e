// Package embedding stores the enrolled face embeddings and scores probes
// against them.
package embedding

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
)

const (
	// Dim is the embedding length produced by the recognition network.
	Dim = 128
	// BankCapacity is the maximum number of enrolled embeddings.
	BankCapacity = 10
)

var (
	// ErrZeroNorm is returned when an embedding has no direction.
	ErrZeroNorm = errors.New("embedding: zero-norm vector")
	// ErrBankFull is returned by Add when BankCapacity entries are stored.
	ErrBankFull = errors.New("embedding: bank full")
	// ErrDimension is returned for vectors whose length is not Dim.
	ErrDimension = errors.New("embedding: wrong dimension")
)

// Bank holds up to BankCapacity unit-length embeddings and their
// normalized mean, the target used for verification. The zero value is an
// empty bank ready for use.
type Bank struct {
	entries [BankCapacity][Dim]float64
	count   int
	target  [Dim]float64
}

// Add stores a unit-normalized copy of v and recomputes the target. It
// returns the new entry count. On error the bank is unchanged.
func (b *Bank) Add(v []float64) (int, error) {
	if len(v) != Dim {
		return b.count, fmt.Errorf("%w: got %d, want %d", ErrDimension, len(v), Dim)
	}
	norm := floats.Norm(v, 2)
	if norm == 0 {
		return b.count, ErrZeroNorm
	}
	if b.count >= BankCapacity {
		return b.count, ErrBankFull
	}
	e := b.entries[b.count][:]
	floats.ScaleTo(e, 1/norm, v)
	b.count++
	b.updateTarget()
	return b.count, nil
}

func (b *Bank) updateTarget() {
	t := b.target[:]
	for i := range t {
		t[i] = 0
	}
	for i := 0; i < b.count; i++ {
		floats.Add(t, b.entries[i][:])
	}
	if norm := floats.Norm(t, 2); norm > 0 {
		floats.Scale(1/norm, t)
	}
}

// Reset zeroes the entries, the count and the target.
func (b *Bank) Reset() {
	b.entries = [BankCapacity][Dim]float64{}
	b.count = 0
	b.target = [Dim]float64{}
}

// Count returns the number of stored entries.
func (b *Bank) Count() int { return b.count }

// Full reports whether another Add would fail with ErrBankFull.
func (b *Bank) Full() bool { return b.count >= BankCapacity }

// Target returns a copy of the normalized mean embedding. It is all zero
// when the bank is empty or the entries cancel out.
func (b *Bank) Target() []float64 {
	out := make([]float64, Dim)
	copy(out, b.target[:])
	return out
}

// Entry returns a copy of the i-th stored embedding.
func (b *Bank) Entry(i int) ([]float64, bool) {
	if i < 0 || i >= b.count {
		return nil, false
	}
	out := make([]float64, Dim)
	copy(out, b.entries[i][:])
	return out, true
}

// Entries returns copies of every stored embedding in insertion order.
func (b *Bank) Entries() [][]float64 {
	out := make([][]float64, 0, b.count)
	for i := 0; i < b.count; i++ {
		e, _ := b.Entry(i)
		out = append(out, e)
	}
	return out
}

// Restore replaces the bank contents with entries, normalizing each through
// Add. On error the bank holds the entries accepted before the failure.
func (b *Bank) Restore(entries [][]float64) error {
	b.Reset()
	for i, e := range entries {
		if _, err := b.Add(e); err != nil {
			return fmt.Errorf("restore entry %d: %w", i, err)
		}
	}
	return nil
}

// Similarity returns the cosine similarity of v against the target, or 0
// when the bank is empty.
func (b *Bank) Similarity(v []float64) float64 {
	if b.count == 0 {
		return 0
	}
	return CosineSimilarity(v, b.target[:])
}
