package protocol

import (
	"crypto/rand"
	"io"
)

// sequenceSlots is the number of even values in [MinSequence, MaxSequence].
const sequenceSlots = int(MaxSequence-MinSequence)/2 + 1

// ValidSequence reports whether seq is even and within [MinSequence, MaxSequence].
func ValidSequence(seq byte) bool {
	return seq >= MinSequence && seq <= MaxSequence && seq%2 == 0
}

// NextSequence returns the sequence number following seq.
func NextSequence(seq byte) byte {
	next := int(seq) + 2
	if next > int(MaxSequence) {
		return MinSequence
	}

	return byte(next)
}

// randomSequence returns a random valid sequence number. It falls back to
// MinSequence when no randomness is available.
func randomSequence() byte {
	var buf [1]byte
	if _, err := io.ReadFull(rand.Reader, buf[:]); err != nil {
		return MinSequence
	}

	return MinSequence + byte(int(buf[0])%sequenceSlots)*2
}
