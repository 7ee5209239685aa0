package patch

import (
	"sort"

	"github.com/thebinaryloop/binstash/bpkg"
	"github.com/thebinaryloop/binstash/token"
)

// collectStrings interns every component name, file name, and custom
// property key/value of pkg into a fresh token.Table and returns its
// string set. This mirrors the tokenization bpkg's serializers perform,
// so the string-table delta reflects the same universe of strings that
// would actually land on the wire.
func collectStrings(pkg *bpkg.ReleasePackage) map[string]struct{} {
	tbl := token.NewTable()
	for _, c := range pkg.Components {
		tbl.Tokenize(c.Name)
		for _, f := range c.Files {
			tbl.Tokenize(f.Name)
		}
	}
	keys := make([]string, 0, len(pkg.CustomProperties))
	for k := range pkg.CustomProperties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		tbl.Tokenize(k)
		tbl.Tokenize(pkg.CustomProperties[k])
	}

	set := make(map[string]struct{}, tbl.Len())
	for _, s := range tbl.Strings() {
		set[s] = struct{}{}
	}
	return set
}

// diffStringTables computes the set of strings added and removed going
// from parent to child.
func diffStringTables(parent, child *bpkg.ReleasePackage) StringTableDelta {
	p := collectStrings(parent)
	c := collectStrings(child)

	var delta StringTableDelta
	for s := range c {
		if _, ok := p[s]; !ok {
			delta.Adds = append(delta.Adds, s)
		}
	}
	for s := range p {
		if _, ok := c[s]; !ok {
			delta.Removes = append(delta.Removes, s)
		}
	}
	sort.Strings(delta.Adds)
	sort.Strings(delta.Removes)
	return delta
}
