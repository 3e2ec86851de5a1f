package patch

import (
	"fmt"
	"reflect"
	"strings"
)

// ExistsField marks a component value as a full create-or-replace (true) or a
// deletion (false). Values without the field are partial field updates.
const ExistsField = "_exists"

// ComponentData holds the fields of one component slot. A nil map and a map
// whose ExistsField is false both encode deletion; the engine always emits the
// explicit form so downstream algebra can treat deletion uniformly.
type ComponentData map[string]any

// Patch maps merge keys ("<entityId>/<componentName>") to component
// instructions. Keys are unique within one patch.
type Patch map[string]ComponentData

// Key builds the merge key for an entity/component pair.
func Key(entityID, component string) string {
	return entityID + "/" + component
}

// SplitKey decomposes a merge key into its entity and component parts.
// Reserved singleton keys carry no slash and resolve to an empty entity id.
func SplitKey(key string) (entityID, component string, err error) {
	idx := strings.IndexByte(key, '/')
	if idx == -1 {
		if key == "" {
			return "", "", fmt.Errorf("empty merge key")
		}
		return "", key, nil
	}
	if idx == 0 || idx == len(key)-1 {
		return "", "", fmt.Errorf("malformed merge key %q", key)
	}
	return key[:idx], key[idx+1:], nil
}

// Deletion returns the canonical deletion value.
func Deletion() ComponentData {
	return ComponentData{ExistsField: false}
}

// IsDeletion reports whether the value encodes removal of the component.
func (d ComponentData) IsDeletion() bool {
	if d == nil {
		return true
	}
	v, ok := d[ExistsField]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && !b
}

// IsCreation reports whether the value is a full create-or-replace.
func (d ComponentData) IsCreation() bool {
	if d == nil {
		return false
	}
	b, ok := d[ExistsField].(bool)
	return ok && b
}

// Clone returns a shallow copy of the component data. Field values are plain
// JSON-decoded data and are shared, never mutated in place by the algebra.
func (d ComponentData) Clone() ComponentData {
	if d == nil {
		return nil
	}
	out := make(ComponentData, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Clone returns a copy of the patch with cloned component values.
func (p Patch) Clone() Patch {
	out := make(Patch, len(p))
	for k, v := range p {
		out[k] = v.Clone()
	}
	return out
}

// IsEmpty reports whether the patch carries no keys. Callers distinguish an
// empty result from "nothing happened" with this check.
func (p Patch) IsEmpty() bool {
	return len(p) == 0
}

// Merge folds the patches left to right into one patch. For a repeated key an
// incoming deletion or creation replaces the accumulated value entirely;
// a partial update shallow-merges its fields onto the accumulator, or replaces
// it when the accumulator was a deletion. Later fields win on conflict.
func Merge(patches ...Patch) Patch {
	out := make(Patch)
	for _, p := range patches {
		for key, incoming := range p {
			if incoming.IsDeletion() {
				out[key] = Deletion()
				continue
			}
			acc, ok := out[key]
			if !ok || acc.IsDeletion() || incoming.IsCreation() {
				out[key] = incoming.Clone()
				continue
			}
			for field, value := range incoming {
				acc[field] = value
			}
		}
	}
	return out
}

// Subtract removes from a everything b already encodes. Per key: a deletion is
// kept unless b also deletes the key; when b lacks the key or deletes it, all
// of a's fields are kept; otherwise only fields of a whose value differs from
// b's survive, and the key is dropped when none do.
func Subtract(a, b Patch) Patch {
	out := make(Patch)
	for key, av := range a {
		bv, ok := b[key]
		if av.IsDeletion() {
			if !ok || !bv.IsDeletion() {
				out[key] = Deletion()
			}
			continue
		}
		if !ok || bv.IsDeletion() {
			out[key] = av.Clone()
			continue
		}
		diff := make(ComponentData)
		for field, value := range av {
			prev, present := bv[field]
			if !present || !fieldEqual(value, prev) {
				diff[field] = value
			}
		}
		if len(diff) > 0 {
			out[key] = diff
		}
	}
	return out
}

// Strip removes from p any field also present by name in mask, used to avoid
// re-delivering data a consumer already holds via another path. Deletions are
// dropped only when the mask deletes the same key.
func Strip(p, mask Patch) Patch {
	out := make(Patch)
	for key, pv := range p {
		mv, ok := mask[key]
		if !ok {
			out[key] = pv.Clone()
			continue
		}
		if pv.IsDeletion() {
			if !mv.IsDeletion() {
				out[key] = Deletion()
			}
			continue
		}
		if mv.IsDeletion() {
			out[key] = pv.Clone()
			continue
		}
		kept := make(ComponentData)
		for field, value := range pv {
			if _, masked := mv[field]; !masked {
				kept[field] = value
			}
		}
		if len(kept) > 0 {
			out[key] = kept
		}
	}
	return out
}

// fieldEqual compares two field values by deep equality. Numbers are compared
// numerically because locally-built patches carry Go ints while wire patches
// decode to float64.
func fieldEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
