package patch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func replayKeys(parent []string, script EditScript, insertedKeys []string) []string {
	out := make([]string, 0, script.FinalCount)
	bi, ii := 0, 0
	for _, run := range script.Runs {
		switch run.Op {
		case OpKeep:
			out = append(out, parent[bi:bi+run.N]...)
			bi += run.N
		case OpDelete:
			bi += run.N
		case OpInsert:
			out = append(out, insertedKeys[ii:ii+run.N]...)
			ii += run.N
		}
	}
	return out
}

func TestComputeEditScriptReproducesChild(t *testing.T) {
	cases := []struct {
		name   string
		parent []string
		child  []string
	}{
		{"identical", []string{"a", "b", "c"}, []string{"a", "b", "c"}},
		{"append", []string{"a", "b"}, []string{"a", "b", "c"}},
		{"prepend", []string{"b", "c"}, []string{"a", "b", "c"}},
		{"delete middle", []string{"a", "b", "c"}, []string{"a", "c"}},
		{"fully replaced", []string{"a", "b"}, []string{"x", "y"}},
		{"empty parent", nil, []string{"a", "b"}},
		{"empty child", []string{"a", "b"}, nil},
		{"both empty", nil, nil},
		{"reordered", []string{"a", "b"}, []string{"b", "a"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			script, insertedIdx, kept := computeEditScript(tc.parent, tc.child)
			insertedKeys := make([]string, len(insertedIdx))
			for i, idx := range insertedIdx {
				insertedKeys[i] = tc.child[idx]
			}
			got := replayKeys(tc.parent, script, insertedKeys)
			require.Equal(t, tc.child, got)
			require.Equal(t, len(tc.child), script.FinalCount)

			for _, kp := range kept {
				require.Equal(t, tc.parent[kp.ParentIdx], tc.child[kp.ChildIdx])
			}
		})
	}
}

func TestApplyEditScriptGeneric(t *testing.T) {
	parent := []int{10, 20, 30}
	script := EditScript{
		Runs: []EditRun{
			{Op: OpKeep, N: 1},
			{Op: OpDelete, N: 1},
			{Op: OpInsert, N: 1},
			{Op: OpKeep, N: 1},
		},
		FinalCount: 3,
	}
	out, err := applyEditScript(parent, script, []int{99})
	require.NoError(t, err)
	require.Equal(t, []int{10, 99, 30}, out)
}

func TestApplyEditScriptOverrunErrors(t *testing.T) {
	parent := []int{1}
	script := EditScript{Runs: []EditRun{{Op: OpKeep, N: 2}}, FinalCount: 2}
	_, err := applyEditScript(parent, script, nil)
	require.Error(t, err)
}
