package melda

import (
	"fmt"

	"github.com/casperlundberg/libmelda/internal/util"
)

// revNode is one tree node: a revision, its parent, and whether it is a
// tombstone. Stored by value under the Revision key; the map lookup's ok
// flag distinguishes "never seen" from "seen, zero-value parent".
type revNode struct {
	parent   Revision
	isDelete bool
}

// RevisionTree is the per-object DAG of revisions: a forest of
// Revisions under a parent relation, rooted at "no
// revision". Node identity is the revision itself, so unioning two trees
// for the same object (as meld does) is naturally commutative and
// idempotent — adding the same (rev, parent, isDelete) twice is a no-op.
type RevisionTree struct {
	nodes map[Revision]revNode
	// childCount counts, for each revision, how many other revisions
	// name it as parent. A revision with childCount 0 is a leaf.
	childCount map[Revision]int
}

func NewRevisionTree() *RevisionTree {
	return &RevisionTree{
		nodes:      make(map[Revision]revNode),
		childCount: make(map[Revision]int),
	}
}

// Add inserts rev into the tree with the given parent (NoRevision for a
// first revision) and deletion flag. It rejects duplicate revisions whose
// recorded parent/isDelete disagree with what's already there (that would
// mean two different replicas derived the same digest from different
// content, which Hasher's collision-resistance is supposed to prevent) and
// rejects insertion when parent is non-zero but unknown — callers
// (MeldaCore.Meld) are expected to retry such insertions once the parent
// has been imported.
//
// Add is idempotent: re-adding an identical (rev, parent, isDelete) is a
// no-op that returns nil, which is what lets meld replay blocks without
// tracking what it has already applied.
func (t *RevisionTree) Add(rev Revision, parent Revision, isDelete bool) error {
	if rev.IsZero() {
		return newErr(ErrBadRevision, "RevisionTree.Add", "", fmt.Errorf("melda: cannot add the zero revision"))
	}
	if existing, ok := t.nodes[rev]; ok {
		if existing.parent != parent || existing.isDelete != isDelete {
			return newErr(ErrBadRevision, "RevisionTree.Add", "",
				fmt.Errorf("melda: revision %s re-added with different parent/isDelete", rev))
		}
		return nil
	}
	if !parent.IsZero() {
		if _, ok := t.nodes[parent]; !ok {
			return newErr(ErrUnknownParent, "RevisionTree.Add", "",
				fmt.Errorf("melda: revision %s refs unknown parent %s", rev, parent))
		}
	}
	t.nodes[rev] = revNode{parent: parent, isDelete: isDelete}
	t.childCount[parent]++
	if _, ok := t.childCount[rev]; !ok {
		t.childCount[rev] = 0
	}
	return nil
}

// Has reports whether rev is already present.
func (t *RevisionTree) Has(rev Revision) bool {
	_, ok := t.nodes[rev]
	return ok
}

// Len returns the number of revisions in the tree.
func (t *RevisionTree) Len() int { return len(t.nodes) }

// Leaves enumerates the tree's leaves (revisions with no child revision),
// ordered by the revision total order, highest first. The winner, when
// one exists, is Leaves()[0].
func (t *RevisionTree) Leaves() []Revision {
	h := util.NewByHeap(func(a, b Revision) bool { return b.Less(a) }) // max-heap
	for rev := range t.nodes {
		if t.childCount[rev] == 0 {
			h.Push(rev)
		}
	}
	out := make([]Revision, 0, h.Len())
	for h.Len() > 0 {
		out = append(out, h.Pop())
	}
	return out
}

// Winner returns the current winning revision: the maximum leaf under the
// total order. ok is false for an empty tree.
func (t *RevisionTree) Winner() (rev Revision, ok bool) {
	leaves := t.Leaves()
	if len(leaves) == 0 {
		return Revision{}, false
	}
	return leaves[0], true
}

// IsDeleted reports whether the object this tree tracks is logically
// absent: either it has no revisions at all, or its winner is a
// tombstone.
func (t *RevisionTree) IsDeleted() bool {
	w, ok := t.Winner()
	if !ok {
		return true
	}
	return t.nodes[w].isDelete
}

// Conflicting returns the non-winning leaves, in descending order, for
// the read-time conflict enumeration. It is
// informational only (ErrConflict is never returned as an operation
// error).
func (t *RevisionTree) Conflicting() []Revision {
	leaves := t.Leaves()
	if len(leaves) <= 1 {
		return nil
	}
	return leaves[1:]
}

// PathTo returns the chain from rev back to the root, rev first.
func (t *RevisionTree) PathTo(rev Revision) []Revision {
	var path []Revision
	cur := rev
	for !cur.IsZero() {
		node, ok := t.nodes[cur]
		if !ok {
			break
		}
		path = append(path, cur)
		cur = node.parent
	}
	return path
}

// Parent returns rev's parent revision (NoRevision if rev is a root or
// unknown).
func (t *RevisionTree) Parent(rev Revision) Revision {
	return t.nodes[rev].parent
}

// Merge unions other's nodes into t. Because node identity is the revision
// itself, this is commutative and idempotent: merging the same tree twice,
// or merging two trees in either order, converges to the same set of
// nodes. Nodes whose parent has not yet been merged in are retried in
// further passes until a pass places nothing, the same retry MeldaCore
// applies to UnknownParent during block replay; nodes still lacking their
// parent after that are returned.
func (t *RevisionTree) Merge(other *RevisionTree) (deferred []Revision) {
	pending := make([]Revision, 0, len(other.nodes))
	for rev := range other.nodes {
		pending = append(pending, rev)
	}
	for progressed := true; progressed && len(pending) > 0; {
		progressed = false
		var next []Revision
		for _, rev := range pending {
			node := other.nodes[rev]
			if err := t.Add(rev, node.parent, node.isDelete); err != nil {
				next = append(next, rev)
				continue
			}
			progressed = true
		}
		pending = next
	}
	return pending
}
