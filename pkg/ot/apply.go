package ot

import (
	"fmt"
	"slices"
)

// Apply applies ops in order to a copy of doc and returns the result.
// doc itself is never modified, so a failed apply leaves the caller's
// document untouched.
func Apply(doc any, ops Ops) (any, error) {
	if err := ops.Validate(); err != nil {
		return nil, err
	}
	result := Clone(doc)
	for i, op := range ops {
		var err error
		result, err = applyOne(result, op)
		if err != nil {
			return nil, fmt.Errorf("component %d (%s): %w", i, op, err)
		}
	}
	return result, nil
}

func applyOne(doc any, op Op) (any, error) {
	if len(op.Path) == 0 {
		// root replacement
		if op.Actions&ObjectInsert != 0 {
			return Clone(op.OI), nil
		}
		return nil, nil
	}
	return walk(doc, op.Path, func(container any, key any) (any, error) {
		return applyAt(container, key, op)
	})
}

// walk descends along path[:len(path)-1] and calls fn with the container the
// last element addresses. The returned container is written back into its
// parent so list reallocations propagate upward.
func walk(node any, path Path, fn func(container any, key any) (any, error)) (any, error) {
	if len(path) == 1 {
		return fn(node, path[0])
	}
	child, err := get(node, path[0])
	if err != nil {
		return nil, err
	}
	updated, err := walk(child, path[1:], fn)
	if err != nil {
		return nil, err
	}
	return set(node, path[0], updated)
}

func get(node any, key any) (any, error) {
	switch c := node.(type) {
	case map[string]any:
		k, ok := key.(string)
		if !ok {
			return nil, fmt.Errorf("%w: index %v on object", ErrPath, key)
		}
		v, ok := c[k]
		if !ok {
			return nil, fmt.Errorf("%w: missing key %q", ErrPath, k)
		}
		return v, nil
	case []any:
		i, ok := key.(int)
		if !ok {
			return nil, fmt.Errorf("%w: key %v on list", ErrPath, key)
		}
		if i < 0 || i >= len(c) {
			return nil, fmt.Errorf("%w: index %d out of range [0,%d)", ErrPath, i, len(c))
		}
		return c[i], nil
	default:
		return nil, fmt.Errorf("%w: cannot descend into %T at %v", ErrPath, node, key)
	}
}

func set(node any, key any, value any) (any, error) {
	switch c := node.(type) {
	case map[string]any:
		c[key.(string)] = value
		return c, nil
	case []any:
		c[key.(int)] = value
		return c, nil
	default:
		return nil, fmt.Errorf("%w: cannot write into %T", ErrPath, node)
	}
}

func applyAt(container any, key any, op Op) (any, error) {
	switch {
	case op.Actions&(ObjectInsert|ObjectDelete) != 0:
		obj, ok := container.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s on %T", ErrPath, op.Actions, container)
		}
		k := key.(string)
		if op.Actions&ObjectDelete != 0 {
			if _, exists := obj[k]; !exists {
				return nil, fmt.Errorf("%w: delete of missing key %q", ErrPath, k)
			}
			delete(obj, k)
		}
		if op.Actions&ObjectInsert != 0 {
			obj[k] = Clone(op.OI)
		}
		return obj, nil

	case op.Actions&(ListInsert|ListDelete) != 0:
		list, ok := container.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s on %T", ErrPath, op.Actions, container)
		}
		i := key.(int)
		if op.Actions&ListDelete != 0 {
			if i < 0 || i >= len(list) {
				return nil, fmt.Errorf("%w: delete index %d out of range [0,%d)", ErrPath, i, len(list))
			}
			if op.Actions&ListInsert != 0 {
				list[i] = Clone(op.LI)
				return list, nil
			}
			return slices.Delete(list, i, i+1), nil
		}
		if i < 0 || i > len(list) {
			return nil, fmt.Errorf("%w: insert index %d out of range [0,%d]", ErrPath, i, len(list))
		}
		return slices.Insert(list, i, Clone(op.LI)), nil

	case op.Actions&ListMove != 0:
		list, ok := container.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: lm on %T", ErrPath, container)
		}
		from, to := key.(int), op.LM
		if from < 0 || from >= len(list) || to < 0 || to >= len(list) {
			return nil, fmt.Errorf("%w: move %d -> %d out of range [0,%d)", ErrPath, from, to, len(list))
		}
		if from == to {
			return list, nil
		}
		item := list[from]
		list = slices.Delete(list, from, from+1)
		return slices.Insert(list, to, item), nil

	case op.Actions&NumberAdd != 0:
		cur, err := get(container, key)
		if err != nil {
			return nil, err
		}
		n, ok := cur.(float64)
		if !ok {
			return nil, fmt.Errorf("%w: na on %T", ErrPath, cur)
		}
		return set(container, key, n+op.NA)

	case op.Actions&(StringInsert|StringDelete) != 0:
		s, ok := container.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s on %T", ErrPath, op.Actions, container)
		}
		runes := []rune(s)
		off := key.(int)
		if off < 0 || off > len(runes) {
			return nil, fmt.Errorf("%w: string offset %d out of range [0,%d]", ErrPath, off, len(runes))
		}
		if op.Actions&StringInsert != 0 {
			return string(slices.Insert(runes, off, []rune(op.SI)...)), nil
		}
		del := []rune(op.SD)
		if off+len(del) > len(runes) || string(runes[off:off+len(del)]) != op.SD {
			return nil, fmt.Errorf("%w: deleted text %q does not match document", ErrPath, op.SD)
		}
		return string(slices.Delete(runes, off, off+len(del))), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrInvalidOp, op.Actions)
}

// Clone deep copies a JSON document.
func Clone(v any) any {
	switch v := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = Clone(e)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = Clone(e)
		}
		return out
	default:
		return v
	}
}
