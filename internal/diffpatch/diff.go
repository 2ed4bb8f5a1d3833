// Package diffpatch computes structural diffs between JSON-safe trees and
// applies them as ordered patch lists. A tree is any combination of
// map[string]any, []any, and scalars (nil, bool, string, numbers).
package diffpatch

import (
	"sort"
	"strconv"
)

type Op string

const (
	OpAdd     Op = "add"
	OpRemove  Op = "remove"
	OpReplace Op = "replace"
)

// Patch is one structural edit at a path. Path segments are object keys or
// decimal array indices; decimal strings keep paths stable across JSON
// round-trips.
type Patch struct {
	Op    Op       `json:"op"`
	Path  []string `json:"path"`
	Value any      `json:"value,omitempty"`
}

// Diff returns the ordered patch list that transforms old into new.
// Objects are compared key-by-key and arrays index-by-index; nested
// containers are recursed into rather than replaced wholesale. Applying
// the result to a clone of old always yields a tree equal to new.
func Diff(oldV, newV any) []Patch {
	return diffValue(nil, oldV, newV)
}

func diffValue(path []string, oldV, newV any) []Patch {
	oldMap, oldIsMap := oldV.(map[string]any)
	newMap, newIsMap := newV.(map[string]any)
	if oldIsMap && newIsMap {
		return diffMap(path, oldMap, newMap)
	}

	oldArr, oldIsArr := oldV.([]any)
	newArr, newIsArr := newV.([]any)
	if oldIsArr && newIsArr {
		return diffArray(path, oldArr, newArr)
	}

	if !oldIsMap && !newIsMap && !oldIsArr && !newIsArr && scalarEqual(oldV, newV) {
		return nil
	}
	return []Patch{{Op: OpReplace, Path: clonePath(path), Value: newV}}
}

func diffMap(path []string, oldM, newM map[string]any) []Patch {
	var patches []Patch
	for _, k := range sortedKeys(oldM) {
		if _, ok := newM[k]; !ok {
			patches = append(patches, Patch{Op: OpRemove, Path: childPath(path, k)})
		}
	}
	for _, k := range sortedKeys(newM) {
		newChild := newM[k]
		oldChild, ok := oldM[k]
		if !ok {
			patches = append(patches, Patch{Op: OpAdd, Path: childPath(path, k), Value: newChild})
			continue
		}
		patches = append(patches, diffValue(childPath(path, k), oldChild, newChild)...)
	}
	return patches
}

// diffArray compares by index only. Reordered elements therefore produce
// replace patches for every shifted slot; callers with large reordering
// workloads pay for that in patch size.
func diffArray(path []string, oldA, newA []any) []Patch {
	var patches []Patch
	shared := len(oldA)
	if len(newA) < shared {
		shared = len(newA)
	}
	for i := 0; i < shared; i++ {
		patches = append(patches, diffValue(childPath(path, strconv.Itoa(i)), oldA[i], newA[i])...)
	}
	// Extra new elements append in ascending order.
	for i := shared; i < len(newA); i++ {
		patches = append(patches, Patch{Op: OpAdd, Path: childPath(path, strconv.Itoa(i)), Value: newA[i]})
	}
	// Extra old elements are removed highest-index first so earlier
	// removals never shift the targets of later ones.
	for i := len(oldA) - 1; i >= shared; i-- {
		patches = append(patches, Patch{Op: OpRemove, Path: childPath(path, strconv.Itoa(i))})
	}
	return patches
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func childPath(path []string, seg string) []string {
	child := make([]string, len(path)+1)
	copy(child, path)
	child[len(path)] = seg
	return child
}

func clonePath(path []string) []string {
	out := make([]string, len(path))
	copy(out, path)
	return out
}

// scalarEqual treats all numeric kinds as the same domain so a tree built
// in Go (int values) compares equal to its JSON round-trip (float64).
func scalarEqual(a, b any) bool {
	af, aNum := asFloat(a)
	bf, bNum := asFloat(b)
	if aNum || bNum {
		return aNum && bNum && af == bf
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
