package message

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"hash/crc64"
)

var tokenTable = crc64.MakeTable(crc64.ISO)

type Token []byte

func (t Token) String() string {
	return hex.EncodeToString(t)
}

// Hash returns a map key for the token. Equal tokens have equal hashes;
// use Equal to confirm a match.
func (t Token) Hash() uint64 {
	return crc64.Checksum(t, tokenTable)
}

// Equal reports whether both tokens carry the same bytes.
func (t Token) Equal(other Token) bool {
	return bytes.Equal(t, other)
}

// GetToken generates a random token of MaxTokenSize bytes.
func GetToken() (Token, error) {
	b := make(Token, MaxTokenSize)
	_, err := rand.Read(b)
	// Note that err == nil only if we read len(b) bytes.
	if err != nil {
		return nil, err
	}

	return b, nil
}
