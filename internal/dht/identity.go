// Package dht implements a passive Mainline DHT crawler: a sybil node that
// forges its identity per correspondent to attract get_peers/announce_peer
// traffic, without ever joining a routing table of its own.
package dht

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
)

// IDLength is the fixed size of every Mainline DHT node id.
const IDLength = 20

// RandomID returns 20 uniformly random bytes suitable for use as a NodeID.
func RandomID() []byte {
	return randomBytes(IDLength)
}

// RandomTransactionID returns 2 random bytes, the conventional size for a
// KRPC transaction id in this engine.
func RandomTransactionID() string {
	return string(randomBytes(2))
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

// Neighbour forges a sender id that appears close to target in XOR
// distance: the first 10 bytes come from target, the last 10 from local.
// Both slices must be at least 10 bytes long.
func Neighbour(target, local []byte) []byte {
	id := make([]byte, IDLength)
	copy(id[:10], target[:10])
	copy(id[10:], local[:10])
	return id
}

// GenToken derives the announce token for a peer address: sha1 hex of the
// IP's string form concatenated with secret. Pure and stable for the life
// of the process.
func GenToken(ip string, secret string) string {
	h := sha1.New()
	h.Write([]byte(ip))
	h.Write([]byte(secret))
	return hex.EncodeToString(h.Sum(nil))
}

// Hex lowercases and hex-encodes dat with no separators.
func Hex(dat []byte) string {
	return hex.EncodeToString(dat)
}
