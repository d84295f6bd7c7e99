// Package identity generates this node's packet-layer address: a random
// int64 chosen once per process start, with no registry or reconciliation.
package identity

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// New returns a fresh random node address. Collisions between concurrently
// started nodes are accepted as negligible given the address space.
func New() (int64, error) {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return 0, fmt.Errorf("identity: read random bytes: %w", err)
	}
	return int64(binary.LittleEndian.Uint64(raw[:])), nil
}
