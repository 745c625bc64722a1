package melda

import (
	"fmt"
	"strconv"
	"strings"
)

// Revision identifies one version of one object: a generation counter
// paired with a content digest. Revisions are totally
// ordered by (index desc, digest desc) so winner selection is a single
// comparison, not a multi-field tiebreak scattered across callers.
//
// The string form is "<index>-<digest>".
type Revision struct {
	Index  int
	Digest string
}

// Rev constructs a Revision directly. Callers that already have a known
// index/digest pair (e.g. from a decoded DeltaBlock change entry) use this;
// new revisions during update() are minted by nextRevision instead.
func Rev(index int, digest string) Revision {
	return Revision{Index: index, Digest: digest}
}

// NoRevision is the zero value: "no revision" at all, the root of a
// RevisionTree's parent forest.
var NoRevision = Revision{}

func (r Revision) IsZero() bool { return r.Index == 0 && r.Digest == "" }

// IsDeletion reports whether r is a tombstone revision.
func (r Revision) IsDeletion() bool { return isTombstoneDigest(r.Digest) }

func (r Revision) String() string {
	if r.IsZero() {
		return ""
	}
	return strconv.Itoa(r.Index) + "-" + r.Digest
}

// ParseRevision parses the "<index>-<digest>" string form.
func ParseRevision(s string) (Revision, error) {
	if s == "" {
		return NoRevision, nil
	}
	i := strings.IndexByte(s, '-')
	if i <= 0 || i == len(s)-1 {
		return Revision{}, &MeldaError{Kind: ErrBadRevision, Err: fmt.Errorf("melda: malformed revision %q", s)}
	}
	index, err := strconv.Atoi(s[:i])
	if err != nil || index <= 0 {
		return Revision{}, &MeldaError{Kind: ErrBadRevision, Err: fmt.Errorf("melda: malformed revision index %q", s)}
	}
	return Revision{Index: index, Digest: s[i+1:]}, nil
}

// Less implements the total order: higher index wins; among
// equal indices, higher digest (lexicographically) wins. The zero Revision
// ("no revision") sorts before everything.
func (r Revision) Less(other Revision) bool {
	if r.IsZero() != other.IsZero() {
		return r.IsZero()
	}
	if r.Index != other.Index {
		return r.Index < other.Index
	}
	return r.Digest < other.Digest
}

// Compare returns -1, 0 or 1 per the total order, matching the
// conventional Go comparator shape used for sort.Slice/heap comparators
// throughout this package.
func (r Revision) Compare(other Revision) int {
	if r == other {
		return 0
	}
	if r.Less(other) {
		return -1
	}
	return 1
}

// nextRevision mints the revision that follows parent for newContent's
// hash (non-deletion case): index = parent.Index + 1 (or 1
// if parent is NoRevision), digest = content hash of newContent.
func nextRevision(parent Revision, content Value) Revision {
	return Revision{Index: parent.Index + 1, Digest: HashContent(content)}
}

// nextDeletionRevision mints the tombstone that follows parent
//: same indexing rule, digest derived from the parent's
// digest so all replicas deleting the same object from the same parent
// revision produce byte-identical tombstones.
func nextDeletionRevision(parent Revision) Revision {
	return Revision{Index: parent.Index + 1, Digest: tombstoneDigest(parent.Digest)}
}
