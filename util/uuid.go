package util

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/google/uuid"
)

func UUID64() uint64 {
	randomBytes := make([]byte, 8)
	rand.Read(randomBytes)

	return binary.BigEndian.Uint64(randomBytes[:8])
}

// UUID returns a random RFC 4122 identifier. Channel IDs are generated this
// way so they are never reused across the lifetime of a cluster.
func UUID() string {
	return uuid.New().String()
}

func RandomString() string {
	return UUID()
}
