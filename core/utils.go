package core

import (
	"crypto/sha256"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// GetHash calculates the SHA-256 hash of data.
func GetHash(data []byte) Hash {
	return sha256.Sum256(data)
}

// CanonicalName returns the form of a contract name used for identity
// comparisons: NFC normalised and case folded, so visually equal names
// collide on the call path and in the denylist.
func CanonicalName(name ContractName) ContractName {
	return ContractName(cases.Fold().String(norm.NFC.String(string(name))))
}
