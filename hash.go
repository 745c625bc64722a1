package melda

import (
	"crypto/sha256"
	"encoding/hex"
)

// Domain-separation prefixes: mixing a domain tag into the hash
// input keeps content hashes and delta-block hashes in disjoint
// namespaces even though both are 256-bit hex strings, so a hash computed
// for one kind can never be mistaken for a valid lookup key of the other.
const (
	domainContent    = "melda/content/v1"
	domainDeltaBlock = "melda/delta/v1"
	domainTombstone  = "melda/tombstone/v1"
	domainPack       = "melda/pack/v1"
)

// HashContent returns the hex digest of v's canonical JSON, tagged as an
// object-content hash.
func HashContent(v Value) string {
	return hashWithDomain(domainContent, MarshalCanonical(v))
}

// HashBytes hashes already-canonicalized bytes under the content domain;
// used by DataStorage when it already holds canonical bytes and should not
// re-marshal them.
func HashBytes(canonicalJSON []byte) string {
	return hashWithDomain(domainContent, canonicalJSON)
}

// HashDeltaBlock returns the hex digest of a DeltaBlock's canonical JSON
//.
func HashDeltaBlock(canonicalJSON []byte) string {
	return hashWithDomain(domainDeltaBlock, canonicalJSON)
}

// HashPack returns the hex digest identifying a pack blob as a whole
// (the hash used in the `<hash>.pack` storage key and in a DeltaBlock's
// `k` list), kept in its own domain so it can never collide with an
// object-content hash even though a pack's bytes are themselves built
// from content hashes.
func HashPack(canonicalJSON []byte) string {
	return hashWithDomain(domainPack, canonicalJSON)
}

// tombstonePrefix is the reserved digest prefix that makes a deletion
// revision's digest self-describing, distinguishable
// from any content hash by inspection alone, with no need to recompute
// anything against the parent to classify it.
const tombstonePrefix = "tomb-"

// tombstoneDigest derives a deletion revision's digest from its parent's
// digest: stable across replicas (same parent digest always
// yields the same tombstone digest on every replica), and distinguishable
// from any content hash by tombstonePrefix.
func tombstoneDigest(parentDigest string) string {
	return tombstonePrefix + hashWithDomain(domainTombstone, []byte(parentDigest))
}

func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// isTombstoneDigest reports whether digest identifies a deletion revision.
func isTombstoneDigest(digest string) bool {
	return len(digest) >= len(tombstonePrefix) && digest[:len(tombstonePrefix)] == tombstonePrefix
}
