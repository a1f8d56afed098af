// Package store holds column codecs shared by the SQL-backed pot stores.
// Lamport amounts are u64 in the domain but signed 64-bit in both databases.
package store

import (
	"fmt"
	"math"

	"jackpot/internal/pot"

	"github.com/gagliardetto/solana-go"
)

func ToInt64(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %d exceeds column range", pot.ErrInvalidAmount, v)
	}
	return int64(v), nil
}

func FromInt64(v int64) (uint64, error) {
	if v < 0 {
		return 0, fmt.Errorf("negative amount %d in store", v)
	}
	return uint64(v), nil
}

// NullKey encodes an optional key as nil or its base58 text.
func NullKey(k *solana.PublicKey) *string {
	if k == nil {
		return nil
	}
	s := k.String()
	return &s
}

func ParseNullKey(s *string) (*solana.PublicKey, error) {
	if s == nil {
		return nil, nil
	}
	k, err := solana.PublicKeyFromBase58(*s)
	if err != nil {
		return nil, fmt.Errorf("decode key %q: %w", *s, err)
	}
	return &k, nil
}

func ParseKey(s string) (solana.PublicKey, error) {
	k, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("decode key %q: %w", s, err)
	}
	return k, nil
}

func NullSeed(s *pot.Seed) []byte {
	if s == nil {
		return nil
	}
	return append([]byte(nil), s[:]...)
}

func ParseNullSeed(b []byte) (*pot.Seed, error) {
	if b == nil {
		return nil, nil
	}
	var s pot.Seed
	if len(b) != len(s) {
		return nil, fmt.Errorf("seed column has %d bytes", len(b))
	}
	copy(s[:], b)
	return &s, nil
}

// SamePrefix reports whether prefix is a prefix of all.
func SamePrefix(prefix, all []pot.DepositRecord) bool {
	if len(prefix) > len(all) {
		return false
	}
	for i := range prefix {
		if prefix[i] != all[i] {
			return false
		}
	}
	return true
}
