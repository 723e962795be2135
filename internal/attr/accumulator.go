package attr

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/automerge/automerge-go"
)

var (
	// ErrInvalidDelta indicates that a stored delta payload could not be applied.
	ErrInvalidDelta = errors.New("attr: invalid delta")
	// ErrInvalidSnapshot indicates that a serialized accumulator state could not be loaded.
	ErrInvalidSnapshot = errors.New("attr: invalid snapshot")
	// ErrInvalidAttributes indicates that a candidate attribute set cannot be represented.
	ErrInvalidAttributes = errors.New("attr: invalid attributes")
)

// Accumulator merges an ordered delta sequence into attribute state. Replay is
// deterministic and associative: applying a prefix and then the remaining
// suffix yields the same state as applying the whole sequence.
type Accumulator struct {
	doc *automerge.Doc
}

// New returns an empty accumulator.
func New() *Accumulator {
	return &Accumulator{doc: automerge.New()}
}

// Load bootstraps an accumulator from a previously serialized snapshot. The
// snapshot is an optimization only; callers replaying the full log reach the
// identical state.
func Load(snapshot []byte) (*Accumulator, error) {
	if len(snapshot) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSnapshot)
	}
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return &Accumulator{doc: doc}, nil
}

// ApplyDelta folds one delta into the accumulator. A corrupt or truncated
// delta fails loudly; a missing delta means the derived state can no longer
// be trusted, so callers must not skip over failures. A delta whose
// dependency changes are absent is buffered by the document without error and
// without effect, so the document heads are compared before and after: a
// delta that did not land is reported as invalid rather than silently lost.
func (a *Accumulator) ApplyDelta(delta []byte) error {
	if len(delta) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidDelta)
	}
	before := a.doc.Heads()
	if err := a.doc.LoadIncremental(delta); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDelta, err)
	}
	if headsEqual(before, a.doc.Heads()) {
		return fmt.Errorf("%w: delta depends on changes this accumulator has not seen", ErrInvalidDelta)
	}
	return nil
}

func headsEqual(left, right []automerge.ChangeHash) bool {
	if len(left) != len(right) {
		return false
	}
	for index := range left {
		if left[index] != right[index] {
			return false
		}
	}
	return true
}

// Replay folds an ordered delta sequence into the accumulator.
func (a *Accumulator) Replay(deltas [][]byte) error {
	for index, delta := range deltas {
		if err := a.ApplyDelta(delta); err != nil {
			return fmt.Errorf("replay delta %d: %w", index, err)
		}
	}
	return nil
}

// Attributes materializes the current attribute state as a JSON-shaped map.
func (a *Accumulator) Attributes() (map[string]any, error) {
	root, err := a.doc.Path().Get()
	if err != nil {
		return nil, err
	}
	attributes, err := automerge.As[map[string]any](root)
	if err != nil {
		return nil, err
	}
	if attributes == nil {
		attributes = map[string]any{}
	}
	return attributes, nil
}

// AttributesJSON returns the canonical JSON encoding of the current state.
func (a *Accumulator) AttributesJSON() (string, error) {
	attributes, err := a.Attributes()
	if err != nil {
		return "", err
	}
	encoded, err := json.Marshal(attributes)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// Diff mutates the accumulator to the candidate attribute set and returns the
// delta that, applied via ApplyDelta, reproduces it. Top-level keys are the
// unit of change.
func (a *Accumulator) Diff(next map[string]any) ([]byte, error) {
	current, err := a.Attributes()
	if err != nil {
		return nil, err
	}

	// Flush the incremental save position so the emitted delta covers only
	// this mutation.
	_ = a.doc.SaveIncremental()

	root := a.doc.RootMap()
	for _, key := range sortedKeys(next) {
		value := next[key]
		if existing, ok := current[key]; ok && jsonEqual(existing, value) {
			continue
		}
		if err := root.Set(key, value); err != nil {
			return nil, fmt.Errorf("%w: key %q: %v", ErrInvalidAttributes, key, err)
		}
	}
	for _, key := range sortedKeys(current) {
		if _, ok := next[key]; ok {
			continue
		}
		if err := root.Delete(key); err != nil {
			return nil, fmt.Errorf("%w: key %q: %v", ErrInvalidAttributes, key, err)
		}
	}

	if _, err := a.doc.Commit("attributes", automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return nil, err
	}
	return a.doc.SaveIncremental(), nil
}

// Snapshot serializes the full accumulator state.
func (a *Accumulator) Snapshot() []byte {
	return a.doc.Save()
}

func sortedKeys(attributes map[string]any) []string {
	keys := make([]string, 0, len(attributes))
	for key := range attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func jsonEqual(left, right any) bool {
	leftJSON, leftErr := json.Marshal(left)
	rightJSON, rightErr := json.Marshal(right)
	if leftErr != nil || rightErr != nil {
		return false
	}
	return bytes.Equal(leftJSON, rightJSON)
}
