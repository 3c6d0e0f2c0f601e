// Package permute derives the per-user question order and per-slot
// option order for a quiz day. Orders are pure functions of
// (userID, date[, slot]) so every process, and every retry, derives
// the same permutation without coordination.
package permute

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// stream is a deterministic byte stream keyed by a seed string. Each
// Uint64 hashes (seed, counter) so the sequence is stable across Go
// versions, unlike math/rand seeding.
type stream struct {
	seed    string
	counter uint64
}

func (s *stream) uint64() uint64 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], s.counter)
	s.counter++
	h := sha256.New()
	h.Write([]byte(s.seed))
	h.Write(buf[:])
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// intn returns a uniform value in [0, n) via rejection sampling.
func (s *stream) intn(n int) int {
	max := ^uint64(0) - ^uint64(0)%uint64(n)
	for {
		v := s.uint64()
		if v < max {
			return int(v % uint64(n))
		}
	}
}

// shuffle returns a Fisher-Yates permutation of [0, n) for the seed.
func shuffle(seed string, n int) []int {
	s := &stream{seed: seed}
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j := s.intn(i + 1)
		p[i], p[j] = p[j], p[i]
	}
	return p
}

// QuestionOrder derives the user's permutation of question indices for
// the day. order[slot] = original question index.
func QuestionOrder(userID, date string, n int) []int {
	return shuffle(fmt.Sprintf("q|%s|%s", userID, date), n)
}

// OptionOrder derives the option permutation shown to the user at a
// slot. order[displayed] = original option index.
func OptionOrder(userID, date string, slot, options int) []int {
	return shuffle(fmt.Sprintf("o|%s|%s|%d", userID, date, slot), options)
}

// OriginalOption maps a displayed option index back to the original
// option coordinates. Returns -1 when out of range.
func OriginalOption(order []int, displayed int) int {
	if displayed < 0 || displayed >= len(order) {
		return -1
	}
	return order[displayed]
}

// DisplayedOption maps an original option index to its displayed
// position under the given order. Returns -1 when absent.
func DisplayedOption(order []int, original int) int {
	for displayed, orig := range order {
		if orig == original {
			return displayed
		}
	}
	return -1
}
