package melda

import "github.com/casperlundberg/libmelda/internal/util"

// MergeIDSequences is the three-way flattened-array merge:
// given the common-ancestor id sequence, the local (winning) side
// and the incoming side, it produces one merged sequence containing every
// id alive on either side, reproducing the ancestor order where both
// sides kept it and slotting fresh insertions into the gap where their
// side placed them.
//
// deleted reports whether an id's RevisionTree winner is a tombstone at
// merge time; such ids are dropped from both sides before merging (so a
// deletion observed by either side erases the id everywhere). rank
// returns an id's winning revision and drives the replica-independent
// tie-break for insertions landing in the same gap.
//
// The procedure is deterministic: every replica holding the same
// revision trees computes the same output for the same (ancestor, local,
// incoming) triple. It intentionally does NOT resolve the move
// paradox: an id deleted and re-inserted at different positions on
// both sides is out of pivot order on each side, lands in two different
// gaps, and therefore appears twice in the output.
func MergeIDSequences(ancestor, local, incoming []string, deleted func(string) bool, rank func(string) Revision) []string {
	aliveL := filterAlive(local, deleted)
	aliveR := filterAlive(incoming, deleted)

	// The pivot backbone: ids the ancestor ordered that BOTH sides kept in
	// that relative order. Restricting the LCS inputs to ancestor ids keeps
	// fresh insertions out of the backbone even when both sides inserted
	// the same id.
	inAncestor := make(map[string]bool, len(ancestor))
	for _, id := range ancestor {
		inAncestor[id] = true
	}
	pivots := longestCommonSubsequence(
		filterMember(aliveL, inAncestor),
		filterMember(aliveR, inAncestor),
	)

	gapsL := bucketByPivot(aliveL, pivots)
	gapsR := bucketByPivot(aliveR, pivots)

	out := make([]string, 0, len(aliveL)+len(aliveR))
	for g := 0; g <= len(pivots); g++ {
		out = append(out, mergeGap(rank, gapsL[g], gapsR[g])...)
		if g < len(pivots) {
			out = append(out, pivots[g])
		}
	}
	return out
}

func filterAlive(seq []string, deleted func(string) bool) []string {
	out := make([]string, 0, len(seq))
	for _, id := range seq {
		if !deleted(id) {
			out = append(out, id)
		}
	}
	return out
}

func filterMember(seq []string, set map[string]bool) []string {
	out := make([]string, 0, len(seq))
	for _, id := range seq {
		if set[id] {
			out = append(out, id)
		}
	}
	return out
}

// bucketByPivot assigns every non-pivot id of seq to the gap following
// the last pivot seen before it; gap 0 precedes the first pivot. pivots
// is a subsequence of seq by construction, so a single in-order cursor
// suffices.
func bucketByPivot(seq, pivots []string) [][]string {
	gaps := make([][]string, len(pivots)+1)
	pi := 0
	for _, id := range seq {
		if pi < len(pivots) && id == pivots[pi] {
			pi++
			continue
		}
		gaps[pi] = append(gaps[pi], id)
	}
	return gaps
}

// gapCursor is one side's insertion run within a gap, consumed front to
// back so the side's own internal order is preserved.
type gapCursor struct {
	run []string
	pos int
}

// mergeGap interleaves the runs both sides contributed to one gap,
// highest winning revision first, keeping each run's internal order. An
// id contributed by both sides within the same gap is emitted once.
// A heap of per-side cursors merges the ordered runs into one stream.
func mergeGap(rank func(string) Revision, runs ...[]string) []string {
	h := util.NewByHeap(func(a, b *gapCursor) bool {
		// max-heap on the cursor's current head revision
		return rank(b.run[b.pos]).Less(rank(a.run[a.pos]))
	})
	total := 0
	for _, run := range runs {
		if len(run) > 0 {
			h.Push(&gapCursor{run: run})
			total += len(run)
		}
	}
	seen := make(map[string]bool, total)
	out := make([]string, 0, total)
	for h.Len() > 0 {
		c := h.Pop()
		id := c.run[c.pos]
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
		c.pos++
		if c.pos < len(c.run) {
			h.Push(c)
		}
	}
	return out
}

// longestCommonSubsequence returns a deterministic LCS of a and b.
// Elements are unique within each input (ids appear at most once per
// array), which keeps the output stable under the fixed backtrack rule
// below.
func longestCommonSubsequence(a, b []string) []string {
	n, m := len(a), len(b)
	if n == 0 || m == 0 {
		return nil
	}
	dp := make([][]int, n+1)
	for i := range dp {
		dp[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				dp[i][j] = dp[i+1][j+1] + 1
			} else if dp[i+1][j] >= dp[i][j+1] {
				dp[i][j] = dp[i+1][j]
			} else {
				dp[i][j] = dp[i][j+1]
			}
		}
	}
	out := make([]string, 0, dp[0][0])
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case dp[i+1][j] >= dp[i][j+1]:
			i++
		default:
			j++
		}
	}
	return out
}
