// Package core defines the identifiers and error kinds shared by every layer
// of the qi ledger: the store, the invocation engine, the script backends and
// the heartbeat scheduler.
package core

import (
	"encoding/hex"
	"strconv"
	"strings"
)

// AccountName identifies a plain account on the ledger.
type AccountName string

// EntityID identifies an autonomous ledger entity.
type EntityID uint64

// ContractName identifies a deployed contract.
type ContractName string

// PublicKey is a serialized public key. Signature verification happens
// outside of this module, operations only carry the set of verified keys.
type PublicKey string

// Hash is a 32-byte digest.
type Hash [32]byte

var ZeroHash = Hash{}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func HashFromString(str string) Hash {
	str = strings.TrimPrefix(str, "0x")
	b, err := hex.DecodeString(str)
	if err != nil {
		return ZeroHash
	}
	var out Hash
	copy(out[:], b)
	return out
}

func (id EntityID) String() string {
	return "entity#" + strconv.FormatUint(uint64(id), 10)
}

func (n ContractName) String() string {
	return string(n)
}

func (n AccountName) String() string {
	return string(n)
}

// KeySet is the set of public keys whose signatures were verified for the
// operation being applied.
type KeySet map[PublicKey]struct{}

// NewKeySet builds a KeySet from a list of keys.
func NewKeySet(keys ...PublicKey) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Has reports whether key is part of the set.
func (s KeySet) Has(key PublicKey) bool {
	if s == nil {
		return false
	}
	_, ok := s[key]
	return ok
}
