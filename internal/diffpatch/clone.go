package diffpatch

// Clone deep-copies a JSON-safe tree. Scalars are shared (immutable).
func Clone(v any) any {
	switch c := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(c))
		for k, child := range c {
			out[k] = Clone(child)
		}
		return out
	case []any:
		out := make([]any, len(c))
		for i, child := range c {
			out[i] = Clone(child)
		}
		return out
	default:
		return v
	}
}

// ClonePatches deep-copies patch values. Needed when patches arrive over
// an in-process medium and their values still alias the sender's tree.
func ClonePatches(patches []Patch) []Patch {
	out := make([]Patch, len(patches))
	for i, p := range patches {
		out[i] = Patch{Op: p.Op, Path: clonePath(p.Path), Value: Clone(p.Value)}
	}
	return out
}

// Equal reports structural equality of two JSON-safe trees, with all
// numeric kinds compared by value.
func Equal(a, b any) bool {
	aMap, aIsMap := a.(map[string]any)
	bMap, bIsMap := b.(map[string]any)
	if aIsMap || bIsMap {
		if !aIsMap || !bIsMap || len(aMap) != len(bMap) {
			return false
		}
		for k, av := range aMap {
			bv, ok := bMap[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}

	aArr, aIsArr := a.([]any)
	bArr, bIsArr := b.([]any)
	if aIsArr || bIsArr {
		if !aIsArr || !bIsArr || len(aArr) != len(bArr) {
			return false
		}
		for i := range aArr {
			if !Equal(aArr[i], bArr[i]) {
				return false
			}
		}
		return true
	}

	return scalarEqual(a, b)
}
