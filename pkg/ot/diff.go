package ot

import (
	"reflect"
	"slices"
	"sort"
)

// Diff returns the components that transform a into b. The result is empty
// when the documents are equal.
//
// Objects are compared key by key in sorted key order. Lists are compared
// after trimming their common prefix and suffix; the remaining items are
// diffed pairwise and the surplus is deleted or inserted. Any other change
// is expressed as a replace at the enclosing key or index.
func Diff(a, b any) Ops {
	return diffValue(nil, a, b, nil)
}

func diffValue(p Path, a, b any, ops Ops) Ops {
	switch av := a.(type) {
	case map[string]any:
		if bv, ok := b.(map[string]any); ok {
			return diffObject(p, av, bv, ops)
		}
	case []any:
		if bv, ok := b.([]any); ok {
			return diffList(p, av, bv, ops)
		}
	}
	if Equal(a, b) {
		return ops
	}
	return append(ops, replaceAt(p, a, b))
}

func replaceAt(p Path, a, b any) Op {
	path := slices.Clone(p)
	if _, isIndex := lastElem(p).(int); isIndex {
		return ListReplaceAt(path, Clone(a), Clone(b))
	}
	return Replace(path, Clone(a), Clone(b))
}

func diffObject(p Path, a, b map[string]any, ops Ops) Ops {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		av, inA := a[k]
		bv, inB := b[k]
		switch {
		case inA && !inB:
			ops = append(ops, Delete(p.Append(k), Clone(av)))
		case !inA && inB:
			ops = append(ops, Insert(p.Append(k), Clone(bv)))
		default:
			ops = diffValue(p.Append(k), av, bv, ops)
		}
	}
	return ops
}

func diffList(p Path, a, b []any, ops Ops) Ops {
	start := 0
	for start < len(a) && start < len(b) && Equal(a[start], b[start]) {
		start++
	}
	endA, endB := len(a), len(b)
	for endA > start && endB > start && Equal(a[endA-1], b[endB-1]) {
		endA--
		endB--
	}

	midA, midB := a[start:endA], b[start:endB]
	common := min(len(midA), len(midB))
	for i := 0; i < common; i++ {
		ops = diffValue(p.Append(start+i), midA[i], midB[i], ops)
	}
	// surplus items in a are removed one at a time from the same index,
	// since each delete shifts the tail left
	for i := common; i < len(midA); i++ {
		ops = append(ops, ListDeleteAt(p.Append(start+common), Clone(midA[i])))
	}
	for i := common; i < len(midB); i++ {
		ops = append(ops, ListInsertAt(p.Append(start+i), Clone(midB[i])))
	}
	return ops
}

// Equal reports whether two JSON documents are deeply equal.
func Equal(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
