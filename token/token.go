// Package token implements the tokenizer, string-interning table, and
// separator codec of spec §4.7: path-like strings are split on a fixed
// separator set into (string-id, separator) sequences, the string table is
// sorted before being written to the wire, and separators are nibble-packed.
package token

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/thebinaryloop/binstash/bitio"
	"github.com/thebinaryloop/binstash/errs"
)

// Separator is the 4-bit code for one of the fixed path separators.
type Separator byte

const (
	SepNone       Separator = 0
	SepDot        Separator = 1
	SepSlash      Separator = 2
	SepBackslash  Separator = 3
	SepColon      Separator = 4
	SepDash       Separator = 5
	SepUnderscore Separator = 6
)

var separatorBytes = map[byte]Separator{
	'.':  SepDot,
	'/':  SepSlash,
	'\\': SepBackslash,
	':':  SepColon,
	'-':  SepDash,
	'_':  SepUnderscore,
}

var separatorChars = map[Separator]byte{
	SepDot:        '.',
	SepSlash:      '/',
	SepBackslash:  '\\',
	SepColon:      ':',
	SepDash:       '-',
	SepUnderscore: '_',
}

// Ref is one element of a token sequence: the id of an interned substring
// (meaning depends on whether the table has been sorted yet) and the
// separator that followed it in the source string (SepNone for the last
// token).
type Ref struct {
	ID  int
	Sep Separator
}

// Split breaks s into (substring, separator) pairs on the fixed separator
// set, preserving the separator between the run it terminates and the
// next run. It does not intern anything.
func Split(s string) []struct {
	Value string
	Sep   Separator
} {
	var out []struct {
		Value string
		Sep   Separator
	}
	start := 0
	for i := 0; i < len(s); i++ {
		if sep, ok := separatorBytes[s[i]]; ok {
			out = append(out, struct {
				Value string
				Sep   Separator
			}{Value: s[start:i], Sep: sep})
			start = i + 1
		}
	}
	out = append(out, struct {
		Value string
		Sep   Separator
	}{Value: s[start:], Sep: SepNone})
	return out
}

// Table interns substrings into a stable, ordered list, in first-seen
// order, and can tokenize whole strings against itself.
type Table struct {
	strings []string
	ids     map[string]int
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{ids: make(map[string]int)}
}

// Intern returns s's id, assigning a new one (at the end of the table) if
// s has not been seen before.
func (t *Table) Intern(s string) int {
	if id, ok := t.ids[s]; ok {
		return id
	}
	id := len(t.strings)
	t.strings = append(t.strings, s)
	t.ids[s] = id
	return id
}

// Tokenize interns every run of s and returns its token sequence.
func (t *Table) Tokenize(s string) []Ref {
	parts := Split(s)
	refs := make([]Ref, len(parts))
	for i, p := range parts {
		refs[i] = Ref{ID: t.Intern(p.Value), Sep: p.Sep}
	}
	return refs
}

// Strings returns the interned strings in their current (pre- or
// post-sort) order.
func (t *Table) Strings() []string { return t.strings }

// Len returns the number of interned strings.
func (t *Table) Len() int { return len(t.strings) }

// Sort lexicographically re-sorts the table by UTF-8 bytes and returns the
// permutation mapping old ids to new ids: newID := perm[oldID]. Every
// token sequence produced against this table before calling Sort must be
// rewritten through perm before being serialized (spec §4.7).
func (t *Table) Sort() (perm []int) {
	n := len(t.strings)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		return t.strings[order[i]] < t.strings[order[j]]
	})

	sorted := make([]string, n)
	perm = make([]int, n)
	for newID, oldID := range order {
		sorted[newID] = t.strings[oldID]
		perm[oldID] = newID
	}
	t.strings = sorted
	t.ids = make(map[string]int, n)
	for id, s := range sorted {
		t.ids[s] = id
	}
	return perm
}

// Rewrite applies perm (as returned by Sort) to every id in refs in place
// and returns refs.
func Rewrite(refs []Ref, perm []int) []Ref {
	for i := range refs {
		refs[i].ID = perm[refs[i].ID]
	}
	return refs
}

// Join renders a token sequence back into its original string, given the
// string table it indexes.
func Join(refs []Ref, strings []string) (string, error) {
	var buf bytes.Buffer
	for _, r := range refs {
		if r.ID < 0 || r.ID >= len(strings) {
			return "", fmt.Errorf("token: id %d out of range (table has %d entries)", r.ID, len(strings))
		}
		buf.WriteString(strings[r.ID])
		if c, ok := separatorChars[r.Sep]; ok {
			buf.WriteByte(c)
		}
	}
	return buf.String(), nil
}

// CommonPrefixLen returns the number of leading Refs (both id and
// separator) that a and b share, used by the BPKG v2 LCP encoding.
func CommonPrefixLen(a, b []Ref) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// EncodeSequence writes refs onto w as: varint count, count varint ids,
// then ceil(count/2) nibble-packed separator bytes (high nibble first).
func EncodeSequence(w *bytes.Buffer, refs []Ref) {
	var tmp [10]byte
	n := bitio.PutUvarint(tmp[:], uint64(len(refs)))
	w.Write(tmp[:n])
	for _, r := range refs {
		n := bitio.PutUvarint(tmp[:], uint64(r.ID))
		w.Write(tmp[:n])
	}
	for i := 0; i < len(refs); i += 2 {
		hi := byte(refs[i].Sep) << 4
		var lo byte
		if i+1 < len(refs) {
			lo = byte(refs[i+1].Sep)
		}
		w.WriteByte(hi | lo)
	}
}

// DecodeSequence reads a token sequence in the format written by
// EncodeSequence.
func DecodeSequence(r interface {
	io.ByteReader
	io.Reader
}) ([]Ref, error) {
	count, err := bitio.ReadUvarint(r)
	if err != nil {
		return nil, errs.New(errs.InvalidFormat, fmt.Errorf("token: reading count: %w", err))
	}
	refs := make([]Ref, count)
	for i := range refs {
		id, err := bitio.ReadUvarint(r)
		if err != nil {
			return nil, errs.New(errs.InvalidFormat, fmt.Errorf("token: reading id %d: %w", i, err))
		}
		refs[i].ID = int(id)
	}
	nibbleBytes := int((count + 1) / 2)
	buf := make([]byte, nibbleBytes)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errs.New(errs.InvalidFormat, fmt.Errorf("token: separator stream too short: %w", err))
	}
	for i := 0; i < int(count); i++ {
		b := buf[i/2]
		if i%2 == 0 {
			refs[i].Sep = Separator(b >> 4)
		} else {
			refs[i].Sep = Separator(b & 0x0f)
		}
	}
	return refs, nil
}
