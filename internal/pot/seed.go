package pot

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
)

// SeedInput is everything the round-closing seed is derived from.
type SeedInput struct {
	PotAddress  solana.PublicKey
	Timestamp   int64
	TotalAmount uint64
	Bump        uint8
}

type Seeder interface {
	Seed(in SeedInput) Seed
}

// DeterministicSeeder hashes pot address, close time, pot size and bump.
//
// Every input is public before the closing call lands, so whoever submits
// EndRound can predict the winner and choose when to call. It is not a fair
// randomness source and must not be treated as one.
type DeterministicSeeder struct{}

func (DeterministicSeeder) Seed(in SeedInput) Seed {
	buf := make([]byte, 0, solana.PublicKeyLength+8+8+1)
	buf = append(buf, in.PotAddress[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(in.Timestamp))
	buf = binary.LittleEndian.AppendUint64(buf, in.TotalAmount)
	buf = append(buf, in.Bump)
	return sha256.Sum256(buf)
}

// WinnerIndex picks seed[0] mod n. It reports false when there is nothing to
// pick from.
func WinnerIndex(seed Seed, n int) (int, bool) {
	if n <= 0 {
		return 0, false
	}
	return int(seed[0]) % n, true
}
