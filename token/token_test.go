package token_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thebinaryloop/binstash/token"
)

func TestTokenizeJoinRoundTrip(t *testing.T) {
	tbl := token.NewTable()
	paths := []string{"src/main.rs", "src/lib.rs", "tests/it.rs", "README.md"}

	var allRefs [][]token.Ref
	for _, p := range paths {
		allRefs = append(allRefs, tbl.Tokenize(p))
	}

	for i, p := range paths {
		got, err := token.Join(allRefs[i], tbl.Strings())
		require.NoError(t, err)
		require.Equal(t, p, got)
	}
}

func TestInternReturnsStableIDs(t *testing.T) {
	tbl := token.NewTable()
	a := tbl.Intern("foo")
	b := tbl.Intern("bar")
	c := tbl.Intern("foo")
	require.Equal(t, a, c)
	require.NotEqual(t, a, b)
	require.Equal(t, 2, tbl.Len())
}

// TestSortRewriteRoundTrip covers the sort+rewrite permutation step of the
// separator codec (spec §4.7): after sorting the table and rewriting every
// sequence through the returned permutation, Join must still reproduce the
// original strings.
func TestSortRewriteRoundTrip(t *testing.T) {
	tbl := token.NewTable()
	paths := []string{"src/main.rs", "src/lib.rs", "tests/it.rs", "bin/a.out"}

	var allRefs [][]token.Ref
	for _, p := range paths {
		allRefs = append(allRefs, tbl.Tokenize(p))
	}

	perm := tbl.Sort()
	for i := range allRefs {
		token.Rewrite(allRefs[i], perm)
	}

	sorted := tbl.Strings()
	for i := range sorted[:len(sorted)-1] {
		require.LessOrEqual(t, sorted[i], sorted[i+1])
	}

	for i, p := range paths {
		got, err := token.Join(allRefs[i], sorted)
		require.NoError(t, err)
		require.Equal(t, p, got)
	}
}

func TestJoinRejectsOutOfRangeID(t *testing.T) {
	_, err := token.Join([]token.Ref{{ID: 5}}, []string{"only-one"})
	require.Error(t, err)
}

func TestCommonPrefixLen(t *testing.T) {
	a := []token.Ref{{ID: 0, Sep: token.SepSlash}, {ID: 1, Sep: token.SepSlash}, {ID: 2, Sep: token.SepNone}}
	b := []token.Ref{{ID: 0, Sep: token.SepSlash}, {ID: 1, Sep: token.SepSlash}, {ID: 3, Sep: token.SepNone}}
	require.Equal(t, 2, token.CommonPrefixLen(a, b))
	require.Equal(t, 0, token.CommonPrefixLen(nil, b))
	require.Equal(t, len(a), token.CommonPrefixLen(a, a))
}

// TestEncodeDecodeSequenceRoundTrip exercises the nibble-packed separator
// codec, including an odd-length sequence so the trailing half-byte path is
// covered.
func TestEncodeDecodeSequenceRoundTrip(t *testing.T) {
	refs := []token.Ref{
		{ID: 0, Sep: token.SepSlash},
		{ID: 1, Sep: token.SepDot},
		{ID: 2, Sep: token.SepNone},
	}
	var buf bytes.Buffer
	token.EncodeSequence(&buf, refs)

	got, err := token.DecodeSequence(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, refs, got)
}

func TestEncodeDecodeSequenceEmpty(t *testing.T) {
	var buf bytes.Buffer
	token.EncodeSequence(&buf, nil)

	got, err := token.DecodeSequence(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestDecodeSequenceTruncated(t *testing.T) {
	var buf bytes.Buffer
	token.EncodeSequence(&buf, []token.Ref{{ID: 0, Sep: token.SepDash}, {ID: 1, Sep: token.SepNone}})
	data := buf.Bytes()

	_, err := token.DecodeSequence(bytes.NewReader(data[:len(data)-1]))
	require.Error(t, err)
}

func TestSplitPreservesAllFixedSeparators(t *testing.T) {
	parts := token.Split("a.b/c\\d:e-f_g")
	var values []string
	for _, p := range parts {
		values = append(values, p.Value)
	}
	require.Equal(t, []string{"a", "b", "c", "d", "e", "f", "g"}, values)
	require.Equal(t, token.SepDot, parts[0].Sep)
	require.Equal(t, token.SepNone, parts[len(parts)-1].Sep)
}
