// Package patch applies RFC 6902 JSON Patch documents to generic JSON values
// and computes the inverse of a patch, so that a stored inverse can walk an
// object back to its previous state.
//
// Documents are the generic values produced by encoding/json: map[string]any,
// []any, float64, string, bool and nil. Normalize converts anything else
// (structs, ints, values decoded from CBOR) into that form.
package patch

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strconv"
	"strings"
)

// Op names.
const (
	OpAdd     = "add"
	OpRemove  = "remove"
	OpReplace = "replace"
	OpMove    = "move"
	OpCopy    = "copy"
	OpTest    = "test"
)

// ErrInvalidPatch is wrapped by every error caused by the patch itself
// rather than by an internal failure.
var ErrInvalidPatch = errors.New("invalid patch")

// Operation is a single JSON Patch operation.
type Operation struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	From  string `json:"from,omitempty"`
	Value any    `json:"value"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPatch, fmt.Sprintf(format, args...))
}

// Validate checks the structure of ops without applying them.
func Validate(ops []Operation) error {
	for i, op := range ops {
		if _, err := parsePointer(op.Path); err != nil {
			return invalid("operation %d: %v", i, err)
		}
		switch op.Op {
		case OpAdd, OpRemove, OpReplace, OpTest:
		case OpMove, OpCopy:
			if _, err := parsePointer(op.From); err != nil {
				return invalid("operation %d: from: %v", i, err)
			}
			if op.Op == OpMove && op.Path != op.From && strings.HasPrefix(op.Path, op.From+"/") {
				return invalid("operation %d: cannot move %q into its own child %q", i, op.From, op.Path)
			}
		default:
			return invalid("operation %d: unknown op %q", i, op.Op)
		}
	}
	return nil
}

// Apply applies ops to a copy of doc and returns the result. doc is not
// modified.
func Apply(doc any, ops []Operation) (any, error) {
	out, _, err := ApplyWithInverse(doc, ops)
	return out, err
}

// Reverse returns the operations that undo ops when applied to the result of
// Apply(doc, ops).
func Reverse(doc any, ops []Operation) ([]Operation, error) {
	_, inverse, err := ApplyWithInverse(doc, ops)
	return inverse, err
}

// ApplyWithInverse applies ops to a copy of doc and returns the patched
// document together with the inverse patch.
func ApplyWithInverse(doc any, ops []Operation) (any, []Operation, error) {
	if err := Validate(ops); err != nil {
		return nil, nil, err
	}
	work, err := Normalize(doc)
	if err != nil {
		return nil, nil, err
	}

	var inverse []Operation
	for i, op := range ops {
		value, err := Normalize(op.Value)
		if err != nil {
			return nil, nil, invalid("operation %d: value: %v", i, err)
		}

		var steps []Operation
		switch op.Op {
		case OpTest:
			current, err := get(work, mustTokens(op.Path))
			if err != nil {
				return nil, nil, invalid("operation %d: %v", i, err)
			}
			if !reflect.DeepEqual(current, value) {
				return nil, nil, invalid("operation %d: test failed at %q", i, op.Path)
			}
			continue
		case OpMove:
			if op.From == op.Path {
				continue
			}
			moved, err := get(work, mustTokens(op.From))
			if err != nil {
				return nil, nil, invalid("operation %d: %v", i, err)
			}
			steps = []Operation{
				{Op: OpRemove, Path: op.From},
				{Op: OpAdd, Path: op.Path, Value: moved},
			}
		case OpCopy:
			copied, err := get(work, mustTokens(op.From))
			if err != nil {
				return nil, nil, invalid("operation %d: %v", i, err)
			}
			steps = []Operation{{Op: OpAdd, Path: op.Path, Value: deepCopy(copied)}}
		default:
			steps = []Operation{{Op: op.Op, Path: op.Path, Value: value}}
		}

		for _, step := range steps {
			var undo Operation
			work, undo, err = applyStep(work, step)
			if err != nil {
				return nil, nil, invalid("operation %d: %v", i, err)
			}
			inverse = append([]Operation{undo}, inverse...)
		}
	}
	return work, inverse, nil
}

// applyStep applies a primitive add/remove/replace and returns its inverse.
func applyStep(doc any, op Operation) (any, Operation, error) {
	tokens := mustTokens(op.Path)

	if len(tokens) == 0 {
		switch op.Op {
		case OpAdd, OpReplace:
			return deepCopy(op.Value), Operation{Op: OpReplace, Path: "", Value: deepCopy(doc)}, nil
		default:
			return nil, Operation{}, fmt.Errorf("cannot remove the document root")
		}
	}

	var undo Operation
	out, err := update(doc, tokens, func(parent any, last string) (any, error) {
		switch p := parent.(type) {
		case map[string]any:
			old, exists := p[last]
			switch op.Op {
			case OpAdd:
				if exists {
					undo = Operation{Op: OpReplace, Path: op.Path, Value: deepCopy(old)}
				} else {
					undo = Operation{Op: OpRemove, Path: op.Path}
				}
				p[last] = deepCopy(op.Value)
			case OpRemove:
				if !exists {
					return nil, fmt.Errorf("path %q does not exist", op.Path)
				}
				undo = Operation{Op: OpAdd, Path: op.Path, Value: old}
				delete(p, last)
			case OpReplace:
				if !exists {
					return nil, fmt.Errorf("path %q does not exist", op.Path)
				}
				undo = Operation{Op: OpReplace, Path: op.Path, Value: old}
				p[last] = deepCopy(op.Value)
			}
			return p, nil
		case []any:
			switch op.Op {
			case OpAdd:
				idx := len(p)
				if last != "-" {
					var err error
					idx, err = arrayIndex(last, len(p)+1)
					if err != nil {
						return nil, err
					}
				}
				undo = Operation{Op: OpRemove, Path: parentPath(op.Path) + "/" + strconv.Itoa(idx)}
				p = append(p, nil)
				copy(p[idx+1:], p[idx:])
				p[idx] = deepCopy(op.Value)
				return p, nil
			case OpRemove:
				idx, err := arrayIndex(last, len(p))
				if err != nil {
					return nil, err
				}
				undo = Operation{Op: OpAdd, Path: op.Path, Value: p[idx]}
				return append(p[:idx:idx], p[idx+1:]...), nil
			case OpReplace:
				idx, err := arrayIndex(last, len(p))
				if err != nil {
					return nil, err
				}
				undo = Operation{Op: OpReplace, Path: op.Path, Value: p[idx]}
				p[idx] = deepCopy(op.Value)
				return p, nil
			}
		}
		return nil, fmt.Errorf("path %q does not point into a container", op.Path)
	})
	if err != nil {
		return nil, Operation{}, err
	}
	return out, undo, nil
}

// update walks to the parent of the final token and lets fn rewrite it. The
// rewritten parent is stored back into its own parent so slice growth is not
// lost.
func update(node any, tokens []string, fn func(parent any, last string) (any, error)) (any, error) {
	if len(tokens) == 1 {
		return fn(node, tokens[0])
	}
	switch n := node.(type) {
	case map[string]any:
		child, ok := n[tokens[0]]
		if !ok {
			return nil, fmt.Errorf("member %q does not exist", tokens[0])
		}
		updated, err := update(child, tokens[1:], fn)
		if err != nil {
			return nil, err
		}
		n[tokens[0]] = updated
		return n, nil
	case []any:
		idx, err := arrayIndex(tokens[0], len(n))
		if err != nil {
			return nil, err
		}
		updated, err := update(n[idx], tokens[1:], fn)
		if err != nil {
			return nil, err
		}
		n[idx] = updated
		return n, nil
	default:
		return nil, fmt.Errorf("cannot traverse into %T at %q", node, tokens[0])
	}
}

func get(node any, tokens []string) (any, error) {
	for _, t := range tokens {
		switch n := node.(type) {
		case map[string]any:
			child, ok := n[t]
			if !ok {
				return nil, fmt.Errorf("member %q does not exist", t)
			}
			node = child
		case []any:
			idx, err := arrayIndex(t, len(n))
			if err != nil {
				return nil, err
			}
			node = n[idx]
		default:
			return nil, fmt.Errorf("cannot traverse into %T at %q", node, t)
		}
	}
	return node, nil
}

// Get returns the value at pointer path in doc.
func Get(doc any, path string) (any, error) {
	tokens, err := parsePointer(path)
	if err != nil {
		return nil, invalid("%v", err)
	}
	norm, err := Normalize(doc)
	if err != nil {
		return nil, err
	}
	v, err := get(norm, tokens)
	if err != nil {
		return nil, invalid("%v", err)
	}
	return v, nil
}

func arrayIndex(token string, size int) (int, error) {
	if token == "" || (len(token) > 1 && token[0] == '0') {
		return 0, fmt.Errorf("invalid array index %q", token)
	}
	idx, err := strconv.Atoi(token)
	if err != nil || idx < 0 {
		return 0, fmt.Errorf("invalid array index %q", token)
	}
	if idx >= size {
		return 0, fmt.Errorf("array index %d out of range", idx)
	}
	return idx, nil
}

func parsePointer(p string) ([]string, error) {
	if p == "" {
		return nil, nil
	}
	if p[0] != '/' {
		return nil, fmt.Errorf("pointer %q must start with /", p)
	}
	parts := strings.Split(p[1:], "/")
	for i, part := range parts {
		part = strings.ReplaceAll(part, "~1", "/")
		parts[i] = strings.ReplaceAll(part, "~0", "~")
	}
	return parts, nil
}

func mustTokens(p string) []string {
	tokens, _ := parsePointer(p)
	return tokens
}

func parentPath(p string) string {
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return ""
	}
	return p[:i]
}

// TopLevel returns the first token of the pointer, or "" for the root.
func TopLevel(path string) string {
	tokens, err := parsePointer(path)
	if err != nil || len(tokens) == 0 {
		return ""
	}
	return tokens[0]
}

// Touches reports the first protected top-level member that any operation
// writes to or reads from, or "" if none does. A root pointer touches every
// member.
func Touches(ops []Operation, protected []string) string {
	isProtected := make(map[string]bool, len(protected))
	for _, p := range protected {
		isProtected[p] = true
	}
	check := func(path string) string {
		if path == "" && len(protected) > 0 {
			return protected[0]
		}
		if top := TopLevel(path); isProtected[top] {
			return top
		}
		return ""
	}
	for _, op := range ops {
		if hit := check(op.Path); hit != "" {
			return hit
		}
		if op.Op == OpMove || op.Op == OpCopy {
			if hit := check(op.From); hit != "" {
				return hit
			}
		}
	}
	return ""
}

// Diff returns the top-level members whose values differ between a and b.
func Diff(a, b map[string]any) []string {
	var changed []string
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !reflect.DeepEqual(av, bv) {
			changed = append(changed, k)
		}
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			changed = append(changed, k)
		}
	}
	return changed
}

// Compute returns operations that turn from into to. Objects are compared
// member by member; any other differing value is replaced whole. Both
// documents must be normalized.
func Compute(from, to any) []Operation {
	return compute("", from, to, nil)
}

func compute(path string, from, to any, ops []Operation) []Operation {
	fm, fok := from.(map[string]any)
	tm, tok := to.(map[string]any)
	if !fok || !tok {
		if reflect.DeepEqual(from, to) {
			return ops
		}
		return append(ops, Operation{Op: OpReplace, Path: path, Value: deepCopy(to)})
	}
	for _, k := range slices.Sorted(maps.Keys(fm)) {
		p := path + "/" + escapeToken(k)
		tv, ok := tm[k]
		if !ok {
			ops = append(ops, Operation{Op: OpRemove, Path: p})
			continue
		}
		ops = compute(p, fm[k], tv, ops)
	}
	for _, k := range slices.Sorted(maps.Keys(tm)) {
		if _, ok := fm[k]; !ok {
			ops = append(ops, Operation{Op: OpAdd, Path: path + "/" + escapeToken(k), Value: deepCopy(tm[k])})
		}
	}
	return ops
}

// Dropped returns the pointer of the first non-empty member of want that is
// missing from got, or "" if none is. It finds what a typed decode and
// re-encode of want lost; empty members are expected to vanish.
func Dropped(want, got any) string {
	return dropped("", want, got)
}

func dropped(path string, want, got any) string {
	wm, ok := want.(map[string]any)
	if !ok {
		return ""
	}
	gm, _ := got.(map[string]any)
	for _, k := range slices.Sorted(maps.Keys(wm)) {
		p := path + "/" + escapeToken(k)
		gv, ok := gm[k]
		if !ok {
			if !isEmpty(wm[k]) {
				return p
			}
			continue
		}
		if d := dropped(p, wm[k], gv); d != "" {
			return d
		}
	}
	return ""
}

// isEmpty mirrors what encoding/json omitempty leaves out.
func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case bool:
		return !t
	case float64:
		return t == 0
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	}
	return false
}

func escapeToken(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "~", "~0"), "/", "~1")
}

// Normalize converts v into the generic form produced by encoding/json.
func Normalize(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, float64:
		return v, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalizing value: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("normalizing value: %w", err)
	}
	return out, nil
}

// ToMap normalizes v and requires the result to be a JSON object.
func ToMap(v any) (map[string]any, error) {
	n, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	m, ok := n.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("value is %T, not an object", n)
	}
	return m, nil
}

// FromMap decodes a generic document into out.
func FromMap(doc any, out any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding document: %w", err)
	}
	return nil
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}
