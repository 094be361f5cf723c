// Package devicehash computes stable hashes over arbitrary values: spew
// renders the value deterministically (sorted map keys, pointers followed)
// so the hash is stable across runs even when the value holds maps.
package devicehash

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"

	"github.com/davecgh/go-spew/spew"
)

// Sum returns a stable hex-encoded SHA-256 digest of obj. The session driver
// uses it to decide whether two provisions are duplicates without requiring
// their Args to be comparable with ==.
func Sum(obj any) string {
	hasher := sha256.New()
	DeepHash(hasher, obj)
	return hex.EncodeToString(hasher.Sum(nil))
}

// DeepHash writes a deterministic representation of obj into hasher.
func DeepHash(hasher hash.Hash, obj any) {
	hasher.Reset()

	printer := spew.ConfigState{
		Indent:         " ",
		SortKeys:       true,
		DisableMethods: true,
		SpewKeys:       true,
	}
	if _, err := printer.Fprintf(hasher, "%#v", obj); err != nil {
		panic(err)
	}
}
