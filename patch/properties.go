package patch

import "sort"

// diffProperties compares two custom-property maps, producing a
// deterministic (key-sorted) add/remove/modify change list.
func diffProperties(parent, child map[string]string) []PropertyChange {
	keys := make(map[string]struct{}, len(parent)+len(child))
	for k := range parent {
		keys[k] = struct{}{}
	}
	for k := range child {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	var changes []PropertyChange
	for _, k := range sorted {
		pv, pOK := parent[k]
		cv, cOK := child[k]
		switch {
		case !pOK && cOK:
			changes = append(changes, PropertyChange{Op: PropertyAdd, Key: k, Value: cv})
		case pOK && !cOK:
			changes = append(changes, PropertyChange{Op: PropertyRemove, Key: k})
		case pOK && cOK && pv != cv:
			changes = append(changes, PropertyChange{Op: PropertyModify, Key: k, Value: cv})
		}
	}
	return changes
}

// applyProperties replays changes against base in place.
func applyProperties(base map[string]string, changes []PropertyChange) {
	for _, ch := range changes {
		switch ch.Op {
		case PropertyAdd, PropertyModify:
			base[ch.Key] = ch.Value
		case PropertyRemove:
			delete(base, ch.Key)
		}
	}
}
