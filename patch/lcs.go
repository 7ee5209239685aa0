package patch

// keptPair links one Keep step to the parent and child index it matched.
type keptPair struct {
	ParentIdx int
	ChildIdx  int
}

// computeEditScript builds the Keep/Del/Ins edit script turning
// parentKeys into childKeys, via the standard O(n*m) longest-common-
// subsequence table. It also returns the child indices consumed by each
// Ins run, in order, and the (parent, child) index pairs consumed by each
// Keep run, so callers can pull the matching payload objects (or diff
// further, for components' own file lists).
//
// Keys are assumed unique within each side (chunk checksums, file hashes,
// and component/file names all hold that invariant per spec); duplicate
// keys still produce a valid, if not uniquely-defined, edit script.
func computeEditScript(parentKeys, childKeys []string) (EditScript, []int, []keptPair) {
	n, m := len(parentKeys), len(childKeys)

	dp := make([][]int32, n+1)
	for i := range dp {
		dp[i] = make([]int32, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if parentKeys[i] == childKeys[j] {
				dp[i][j] = dp[i+1][j+1] + 1
			} else if dp[i+1][j] >= dp[i][j+1] {
				dp[i][j] = dp[i+1][j]
			} else {
				dp[i][j] = dp[i][j+1]
			}
		}
	}

	var ops []EditOp
	var insertedIdx []int
	var kept []keptPair
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case parentKeys[i] == childKeys[j]:
			ops = append(ops, OpKeep)
			kept = append(kept, keptPair{ParentIdx: i, ChildIdx: j})
			i++
			j++
		case dp[i+1][j] >= dp[i][j+1]:
			ops = append(ops, OpDelete)
			i++
		default:
			ops = append(ops, OpInsert)
			insertedIdx = append(insertedIdx, j)
			j++
		}
	}
	for ; i < n; i++ {
		ops = append(ops, OpDelete)
	}
	for ; j < m; j++ {
		ops = append(ops, OpInsert)
		insertedIdx = append(insertedIdx, j)
	}

	var runs []EditRun
	for _, o := range ops {
		if len(runs) > 0 && runs[len(runs)-1].Op == o {
			runs[len(runs)-1].N++
		} else {
			runs = append(runs, EditRun{Op: o, N: 1})
		}
	}
	return EditScript{Runs: runs, FinalCount: m}, insertedIdx, kept
}

// applyEditScript replays script against base, pulling insert payloads from
// inserts in order, reproducing the child list the script was built from.
func applyEditScript[T any](base []T, script EditScript, inserts []T) ([]T, error) {
	out := make([]T, 0, script.FinalCount)
	bi, ii := 0, 0
	for _, run := range script.Runs {
		switch run.Op {
		case OpKeep:
			if bi+run.N > len(base) {
				return nil, errOverrun("keep", bi, run.N, len(base))
			}
			out = append(out, base[bi:bi+run.N]...)
			bi += run.N
		case OpDelete:
			if bi+run.N > len(base) {
				return nil, errOverrun("delete", bi, run.N, len(base))
			}
			bi += run.N
		case OpInsert:
			if ii+run.N > len(inserts) {
				return nil, errOverrun("insert", ii, run.N, len(inserts))
			}
			out = append(out, inserts[ii:ii+run.N]...)
			ii += run.N
		}
	}
	if len(out) != script.FinalCount {
		return nil, errFinalCount(len(out), script.FinalCount)
	}
	return out, nil
}
