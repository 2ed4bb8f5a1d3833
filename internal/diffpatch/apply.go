package diffpatch

import (
	"errors"
	"fmt"
	"strconv"
)

var ErrBadPath = errors.New("patch path does not resolve")

// Apply applies patches to target in order and returns the updated root.
// Containers are mutated in place where possible; the returned root must
// still be used because slice growth and root replacement reallocate.
func Apply(target any, patches []Patch) (any, error) {
	root := target
	for _, p := range patches {
		updated, err := applyAt(root, p, 0)
		if err != nil {
			return nil, fmt.Errorf("apply %s at %v: %w", p.Op, p.Path, err)
		}
		root = updated
	}
	return root, nil
}

func applyAt(node any, p Patch, depth int) (any, error) {
	if depth == len(p.Path) {
		// Empty path: the edit targets the root itself.
		switch p.Op {
		case OpAdd, OpReplace:
			return p.Value, nil
		case OpRemove:
			return nil, nil
		}
		return nil, fmt.Errorf("unknown op %q: %w", p.Op, ErrBadPath)
	}

	seg := p.Path[depth]
	last := depth == len(p.Path)-1

	switch c := node.(type) {
	case map[string]any:
		if last {
			switch p.Op {
			case OpAdd, OpReplace:
				c[seg] = p.Value
			case OpRemove:
				delete(c, seg)
			}
			return c, nil
		}
		child, ok := c[seg]
		if !ok {
			if p.Op != OpAdd {
				return nil, fmt.Errorf("missing key %q: %w", seg, ErrBadPath)
			}
			child = newContainer(p.Path[depth+1])
		}
		updated, err := applyAt(child, p, depth+1)
		if err != nil {
			return nil, err
		}
		c[seg] = updated
		return c, nil

	case []any:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("bad index %q: %w", seg, ErrBadPath)
		}
		if last {
			switch p.Op {
			case OpAdd:
				if idx > len(c) {
					return nil, fmt.Errorf("add index %d past end %d: %w", idx, len(c), ErrBadPath)
				}
				if idx == len(c) {
					return append(c, p.Value), nil
				}
				c = append(c[:idx+1], c[idx:]...)
				c[idx] = p.Value
				return c, nil
			case OpReplace:
				if idx >= len(c) {
					return nil, fmt.Errorf("replace index %d past end %d: %w", idx, len(c), ErrBadPath)
				}
				c[idx] = p.Value
				return c, nil
			case OpRemove:
				if idx >= len(c) {
					return nil, fmt.Errorf("remove index %d past end %d: %w", idx, len(c), ErrBadPath)
				}
				return append(c[:idx], c[idx+1:]...), nil
			}
		}
		if idx >= len(c) {
			if p.Op != OpAdd || idx != len(c) {
				return nil, fmt.Errorf("index %d past end %d: %w", idx, len(c), ErrBadPath)
			}
			c = append(c, newContainer(p.Path[depth+1]))
		}
		updated, err := applyAt(c[idx], p, depth+1)
		if err != nil {
			return nil, err
		}
		c[idx] = updated
		return c, nil

	case nil:
		if p.Op != OpAdd {
			return nil, fmt.Errorf("nil container at %q: %w", seg, ErrBadPath)
		}
		return applyAt(newContainer(seg), p, depth)
	}

	return nil, fmt.Errorf("scalar at %q: %w", seg, ErrBadPath)
}

// newContainer picks the container kind for an intermediate created by an
// add: numeric next segment means an array, anything else an object.
func newContainer(nextSeg string) any {
	if _, err := strconv.Atoi(nextSeg); err == nil {
		return []any{}
	}
	return map[string]any{}
}
