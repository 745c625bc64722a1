package melda

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/casperlundberg/libmelda/internal/util"
)

// ErrPendingLimit means the uncommitted change buffer has reached
// Options.MaxPending; the caller must Commit before updating again.
var ErrPendingLimit = errors.New("melda: pending change limit reached, commit required")

// MeldaCore is one replica's reconciliation engine: it
// owns the per-object revision trees, the pending-change buffer, and the
// current head set, and orchestrates update → diff → stage → commit →
// meld → read over a DataStorage.
//
// A MeldaCore is not goroutine-safe: all operations on one instance are
// expected to be serialized by the caller. Concurrency
// between replicas is modeled as separate MeldaCore values over separate
// Adapters, reconciled via Meld. Two engines sharing one Adapter need
// external mutual exclusion.
type MeldaCore struct {
	opts    Options
	flat    *Flattener
	storage *DataStorage
	log     util.Logger

	trees util.CMap[string, *RevisionTree]

	// parents records, for every known delta block, its parent hashes.
	// It doubles as the "is this block known" set during meld discovery.
	parents map[string][]string
	heads   []string

	packs   []string
	packSet map[string]bool

	pending []Change

	// views caches the merged winning content per object id; Null marks
	// a logically absent object. Invalidated by Update and Meld.
	views map[string]Value
}

// New builds an engine over adapter and replays any delta blocks the
// adapter already holds, so reopening an existing store resumes exactly
// where the previous engine left off.
func New(ctx context.Context, adapter Adapter, opts *Options) (*MeldaCore, error) {
	var o Options
	if opts != nil {
		o = *opts
	}
	o.SetDefaults()
	storage, err := NewDataStorage(adapter, o.CacheSize, o.Logger)
	if err != nil {
		return nil, err
	}
	m := &MeldaCore{
		opts:    o,
		flat:    NewFlattener(o.FlatMarker),
		storage: storage,
		log:     o.Logger,
		parents: make(map[string][]string),
		packSet: make(map[string]bool),
	}
	if err := m.load(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// load replays every delta block already present in the adapter into the
// revision trees and recomputes the head set.
func (m *MeldaCore) load(ctx context.Context) error {
	hashes, err := m.storage.ListDeltaBlocks(ctx)
	if err != nil {
		return err
	}
	if len(hashes) == 0 {
		return nil
	}
	// replay in a deterministic order: sorted hashes, then topological
	var sorter util.Heap[string]
	for _, h := range hashes {
		sorter.Push(h)
	}
	blocks := make(map[string]*DeltaBlock, len(hashes))
	for sorter.Len() > 0 {
		hash := sorter.Pop()
		block, err := m.storage.ReadDeltaBlock(ctx, hash)
		if err != nil {
			return err
		}
		blocks[hash] = block
	}
	var deferred []Change
	for _, hash := range topoOrder(blocks) {
		block := blocks[hash]
		m.parents[hash] = append([]string(nil), block.Parents...)
		for _, p := range block.Packs {
			m.addPack(p)
		}
		deferred = append(deferred, m.replayChanges(block.Changes)...)
	}
	if deferred = m.replayChanges(deferred); len(deferred) > 0 {
		return m.replayError(deferred)
	}
	m.heads = minimalAntichain(m.parents, keysOf(blocks))
	m.log.DebugCtx(ctx, "loaded store", "blocks", len(blocks), "heads", len(m.heads))
	return nil
}

// Update replaces the document state with value: the new
// state is flattened, every changed object gets a new revision staged for
// the next commit, and every tracked object no longer referenced gets a
// deletion revision so concurrent replicas observe the tombstone.
//
// The pending buffer is bounded by Options.MaxPending: once it is full,
// Update returns ErrPendingLimit without touching any state, and the
// caller must Commit first. The bound is checked on entry only, so one
// update's change set always lands whole.
func (m *MeldaCore) Update(ctx context.Context, value Value) error {
	if len(m.pending) >= m.opts.MaxPending {
		return ErrPendingLimit
	}
	rootContent, subs, err := m.flat.Flatten(value)
	if err != nil {
		return err
	}
	subs[RootID] = rootContent

	ids := make([]string, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		content := subs[id]
		tree := m.tree(id)
		winner, hasWinner := tree.Winner()
		rev := nextRevision(winner, content)
		if hasWinner && !winner.IsDeletion() && winner.Digest == rev.Digest {
			continue // content unchanged
		}
		if tree.Has(rev) {
			continue
		}
		if err := tree.Add(rev, winner, false); err != nil {
			return err
		}
		m.storage.Stage(content)
		m.pending = append(m.pending, Change{ObjectID: id, Rev: rev, Parent: winner})
	}

	for _, id := range m.trackedIDs() {
		if _, kept := subs[id]; kept {
			continue
		}
		tree, _ := m.trees.Load(id)
		winner, hasWinner := tree.Winner()
		if !hasWinner || winner.IsDeletion() {
			continue
		}
		del := nextDeletionRevision(winner)
		if tree.Has(del) {
			continue
		}
		if err := tree.Add(del, winner, true); err != nil {
			return err
		}
		m.pending = append(m.pending, Change{ObjectID: id, Rev: del, Parent: winner})
	}

	m.views = nil
	m.log.DebugCtx(ctx, "update applied", "objects", len(subs), "pending", len(m.pending))
	return nil
}

// Commit freezes the pending changes into one delta block, writes the
// staged pack and the block through DataStorage, and
// advances the head set to the new block. An empty pending buffer is a
// no-op returning an empty hash. info is opaque commit metadata recorded
// under the block's `i` key; pass Null for none.
func (m *MeldaCore) Commit(ctx context.Context, info Value) (string, error) {
	if len(m.pending) == 0 {
		return "", nil
	}
	start := m.opts.Clock()
	changes := append([]Change(nil), m.pending...)
	block := NewDeltaBlock(changes, nil, append([]string(nil), m.heads...), info)
	hash, err := m.storage.Commit(ctx, block)
	if err != nil {
		return "", err
	}
	for _, p := range block.Packs {
		m.addPack(p)
	}
	m.parents[hash] = append([]string(nil), block.Parents...)
	m.heads = []string{hash}
	m.pending = nil
	m.log.DebugCtx(ctx, "committed", "block", hash, "changes", len(changes),
		"elapsed", m.opts.Clock().Sub(start))
	return hash, nil
}

// Pending reports whether uncommitted changes exist.
func (m *MeldaCore) Pending() bool { return len(m.pending) > 0 }

// Heads returns the current head set: the delta blocks with no known
// descendants.
func (m *MeldaCore) Heads() []string {
	return append([]string(nil), m.heads...)
}

// Meld imports every delta block present in other's store but unknown
// here: it walks other's head set backward along parent
// pointers, skipping blocks already known, copies the missing blocks and
// their referenced packs into the local store, and replays their change
// lists into the revision trees. Replay is idempotent, so melding the
// same peer twice imports nothing the second time. On success the local
// head set becomes the minimal antichain of old and imported heads.
// Returns the number of blocks imported.
func (m *MeldaCore) Meld(ctx context.Context, other *MeldaCore) (int, error) {
	start := m.opts.Clock()
	discovered := make(map[string]*DeltaBlock)
	stack := other.Heads()
	for len(stack) > 0 {
		hash := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, known := m.parents[hash]; known {
			continue
		}
		if _, seen := discovered[hash]; seen {
			continue
		}
		block, err := other.storage.ReadDeltaBlock(ctx, hash)
		if err != nil {
			return 0, err
		}
		discovered[hash] = block
		stack = append(stack, block.Parents...)
	}

	var deferred []Change
	order := topoOrder(discovered)
	for _, hash := range order {
		block := discovered[hash]
		for _, p := range block.Packs {
			if m.packSet[p] {
				continue
			}
			data, err := other.storage.ReadPackBytes(ctx, p)
			if err != nil {
				return 0, err
			}
			if err := m.storage.ImportPack(ctx, p, data); err != nil {
				return 0, err
			}
			m.addPack(p)
		}
		data, err := other.storage.ReadDeltaBlockBytes(ctx, hash)
		if err != nil {
			return 0, err
		}
		if err := m.storage.ImportDeltaBlock(ctx, hash, data); err != nil {
			return 0, err
		}
		m.parents[hash] = append([]string(nil), block.Parents...)
		deferred = append(deferred, m.replayChanges(block.Changes)...)
	}
	if deferred = m.replayChanges(deferred); len(deferred) > 0 {
		return 0, m.replayError(deferred)
	}

	m.heads = minimalAntichain(m.parents, append(m.Heads(), other.Heads()...))
	m.views = nil
	m.log.DebugCtx(ctx, "melded", "imported", len(order), "heads", len(m.heads),
		"elapsed", m.opts.Clock().Sub(start))
	return len(order), nil
}

// Refresh recomputes and caches the merged winning content of every
// tracked object. Read does this lazily per object; Refresh exists so a
// caller batching several melds can pay the recomputation once, up
// front, and have subsequent reads hit only the cache.
func (m *MeldaCore) Refresh(ctx context.Context) error {
	m.views = nil
	for _, id := range m.trackedIDs() {
		if _, _, err := m.winningContent(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Read reconstructs the winning JSON view of the whole document. A store
// with no revisions at all reads as an empty object.
func (m *MeldaCore) Read(ctx context.Context) (Value, error) {
	v, ok, err := m.ReadObject(ctx, RootID)
	if err != nil {
		return Value{}, err
	}
	if !ok {
		return EmptyObject(), nil
	}
	return v, nil
}

// ReadObject reconstructs the winning JSON view rooted at id, following
// flattened references. ok is false when the object is absent or its
// winning revision is a tombstone.
func (m *MeldaCore) ReadObject(ctx context.Context, id string) (Value, bool, error) {
	var readErr error
	get := func(oid string) (Value, bool) {
		if readErr != nil {
			return Value{}, false
		}
		v, ok, err := m.winningContent(ctx, oid)
		if err != nil {
			readErr = err
			return Value{}, false
		}
		return v, ok
	}
	v, ok := m.flat.Unflatten(id, get)
	if readErr != nil {
		return Value{}, false, readErr
	}
	return v, ok, nil
}

// InConflict returns the ids of objects whose revision tree currently
// has more than one leaf, sorted. Conflicts are informational: a winner
// has already been chosen deterministically.
func (m *MeldaCore) InConflict() []string {
	var ids []string
	m.trees.Range(func(id string, tree *RevisionTree) bool {
		if len(tree.Conflicting()) > 0 {
			ids = append(ids, id)
		}
		return true
	})
	sort.Strings(ids)
	return ids
}

// GetWinner returns the winning revision for id.
func (m *MeldaCore) GetWinner(id string) (Revision, bool) {
	tree, ok := m.trees.Load(id)
	if !ok {
		return Revision{}, false
	}
	return tree.Winner()
}

// GetConflicting returns id's non-winning leaf revisions, highest first.
func (m *MeldaCore) GetConflicting(id string) []Revision {
	tree, ok := m.trees.Load(id)
	if !ok {
		return nil
	}
	return tree.Conflicting()
}

// winningContent resolves id to its merged winning content: the winner
// leaf's stored content, with every flattened array field three-way
// merged against each other live leaf. ok is false when
// the object is absent or deleted.
func (m *MeldaCore) winningContent(ctx context.Context, id string) (Value, bool, error) {
	if m.views == nil {
		m.views = make(map[string]Value)
	}
	if v, cached := m.views[id]; cached {
		if v.IsNull() {
			return Value{}, false, nil
		}
		return v, true, nil
	}
	tree, tracked := m.trees.Load(id)
	if !tracked || tree.IsDeleted() {
		m.views[id] = Null()
		return Value{}, false, nil
	}
	content, err := m.mergedContent(ctx, tree)
	if err != nil {
		return Value{}, false, err
	}
	m.views[id] = content
	return content, true, nil
}

func (m *MeldaCore) mergedContent(ctx context.Context, tree *RevisionTree) (Value, error) {
	leaves := tree.Leaves()
	winner := leaves[0]
	content, err := m.contentByRevision(ctx, winner)
	if err != nil {
		return Value{}, err
	}
	for _, leaf := range leaves[1:] {
		if leaf.IsDeletion() {
			continue
		}
		other, err := m.contentByRevision(ctx, leaf)
		if err != nil {
			return Value{}, err
		}
		ancestor := commonAncestor(tree, winner, leaf)
		var ancestorContent Value
		if !ancestor.IsZero() && !ancestor.IsDeletion() {
			ancestorContent, err = m.contentByRevision(ctx, ancestor)
			if err != nil {
				return Value{}, err
			}
		}
		content = m.mergeFlattenedFields(content, other, ancestorContent)
	}
	return content, nil
}

// mergeFlattenedFields three-way merges every flattened array field of
// the winning content against one conflicting leaf. Non-array fields are
// left as the winner wrote them: the revision order already decided the
// object-level conflict, and only id lists merge element-wise.
func (m *MeldaCore) mergeFlattenedFields(winner, other, ancestor Value) Value {
	for _, key := range winner.SortedKeys() {
		if !m.flat.isFlatField(key, winner.Get(key)) {
			continue
		}
		local := extractIDList(winner.Get(key))
		incoming := extractIDList(other.Get(key))
		base := extractIDList(ancestor.Get(key))
		merged := MergeIDSequences(base, local, incoming, m.objectDeleted, m.objectRank)
		ids := make([]Value, len(merged))
		for i, id := range merged {
			ids[i] = String(id)
		}
		winner = winner.WithField(key, Array(ids...))
	}
	return winner
}

func (m *MeldaCore) objectDeleted(id string) bool {
	tree, ok := m.trees.Load(id)
	if !ok {
		return false
	}
	return tree.IsDeleted()
}

func (m *MeldaCore) objectRank(id string) Revision {
	tree, ok := m.trees.Load(id)
	if !ok {
		return NoRevision
	}
	winner, _ := tree.Winner()
	return winner
}

func (m *MeldaCore) contentByRevision(ctx context.Context, rev Revision) (Value, error) {
	content, ok, err := m.storage.ReadContent(ctx, rev.Digest, m.packs)
	if err != nil {
		return Value{}, err
	}
	if !ok {
		return Value{}, newErr(ErrCorruption, "MeldaCore.contentByRevision", "",
			fmt.Errorf("melda: no pack holds content for revision %s", rev))
	}
	return content, nil
}

func (m *MeldaCore) tree(id string) *RevisionTree {
	if t, ok := m.trees.Load(id); ok {
		return t
	}
	t, _ := m.trees.LoadOrStore(id, NewRevisionTree())
	return t
}

func (m *MeldaCore) trackedIDs() []string {
	var ids []string
	m.trees.Range(func(id string, _ *RevisionTree) bool {
		ids = append(ids, id)
		return true
	})
	sort.Strings(ids)
	return ids
}

func (m *MeldaCore) addPack(hash string) {
	if !m.packSet[hash] {
		m.packSet[hash] = true
		m.packs = append(m.packs, hash)
	}
}

// replayChanges applies change entries to the revision trees, retrying
// until no further entry can be placed; entries still blocked on an
// unknown parent are returned for the caller to retry after more blocks
// arrive.
func (m *MeldaCore) replayChanges(changes []Change) []Change {
	pending := changes
	for progressed := true; progressed && len(pending) > 0; {
		progressed = false
		var next []Change
		for _, c := range pending {
			tree := m.tree(c.ObjectID)
			if err := tree.Add(c.Rev, c.Parent, c.Rev.IsDeletion()); err != nil {
				next = append(next, c)
				continue
			}
			progressed = true
		}
		pending = next
	}
	return pending
}

// replayError reproduces the concrete Add failure for the first change
// that could not be replayed even after topological retry.
func (m *MeldaCore) replayError(blocked []Change) error {
	c := blocked[0]
	tree := m.tree(c.ObjectID)
	if err := tree.Add(c.Rev, c.Parent, c.Rev.IsDeletion()); err != nil {
		return newErr(ErrUnknownParent, "MeldaCore.replay", c.ObjectID, err)
	}
	return nil
}

// commonAncestor returns the deepest revision on both leaves' paths to
// root, or NoRevision for fully disjoint branches.
func commonAncestor(tree *RevisionTree, a, b Revision) Revision {
	onPath := make(map[Revision]bool)
	for _, r := range tree.PathTo(a) {
		onPath[r] = true
	}
	for _, r := range tree.PathTo(b) {
		if onPath[r] {
			return r
		}
	}
	return NoRevision
}

func extractIDList(v Value) []string {
	if !v.IsArray() {
		return nil
	}
	out := make([]string, 0, len(v.AsArray()))
	for _, e := range v.AsArray() {
		if e.Kind() == KindString {
			out = append(out, e.AsString())
		}
	}
	return out
}

// topoOrder orders block hashes parents-first, considering only parents
// inside the set (parents already known locally need no ordering).
// Roots are visited in sorted hash order for determinism.
func topoOrder(blocks map[string]*DeltaBlock) []string {
	keys := keysOf(blocks)
	sort.Strings(keys)
	visited := make(map[string]bool, len(blocks))
	order := make([]string, 0, len(blocks))
	var visit func(hash string)
	visit = func(hash string) {
		if visited[hash] {
			return
		}
		visited[hash] = true
		block, ok := blocks[hash]
		if !ok {
			return
		}
		for _, p := range block.Parents {
			visit(p)
		}
		order = append(order, hash)
	}
	for _, k := range keys {
		visit(k)
	}
	return order
}

// minimalAntichain drops every candidate head that is an ancestor of
// another candidate, leaving the frontier of the block DAG.
func minimalAntichain(parents map[string][]string, candidates []string) []string {
	uniq := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		uniq[c] = true
	}
	ancestors := make(map[string]bool)
	for c := range uniq {
		stack := append([]string(nil), parents[c]...)
		for len(stack) > 0 {
			h := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if ancestors[h] {
				continue
			}
			ancestors[h] = true
			stack = append(stack, parents[h]...)
		}
	}
	var heads []string
	for c := range uniq {
		if !ancestors[c] {
			heads = append(heads, c)
		}
	}
	sort.Strings(heads)
	return heads
}

func keysOf(blocks map[string]*DeltaBlock) []string {
	keys := make([]string, 0, len(blocks))
	for k := range blocks {
		keys = append(keys, k)
	}
	return keys
}
