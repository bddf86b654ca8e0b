package message

import (
	"crypto/rand"
	"encoding/binary"
	mathRand "math/rand"
	"time"

	"go.uber.org/atomic"
)

var msgID = atomic.NewUint32(uint32(RandMID()))

// GetMID generates a message id. The counter is process-wide and wraps at 16 bits.
func GetMID() uint16 {
	return uint16(msgID.Inc())
}

// RandMID returns a random starting message id.
func RandMID() uint16 {
	b := make([]byte, 2)
	_, err := rand.Read(b)
	if err != nil {
		// fallback to cryptographically insecure pseudo-random generator
		return uint16(mathRand.New(mathRand.NewSource(time.Now().UnixNano())).Uint32() >> 16)
	}
	return binary.BigEndian.Uint16(b)
}
