// Package store implements the per-room, per-key stream engine: the
// Relay/Append/Replace/Compact action semantics, the sequence-number
// monotonicity contract, and the durable stream each key accumulates.
package store

import "sort"

// StoreInstruction is the post-resolution form of a Push: it carries
// what actually happened (or will happen once applied) so that a
// replica sink can mirror it verbatim.
type StoreInstruction struct {
	Key       string         `json:"key" cbor:"key"`
	Action    Action         `json:"action" cbor:"action"`
	Broadcast *SequenceValue `json:"broadcast,omitempty" cbor:"broadcast,omitempty"`
}

// Mutates reports whether applying this instruction durably alters the
// stream (Append, Replace, Compact).
func (i StoreInstruction) Mutates() bool { return i.Action.Mutates() }

// Clone returns a deep-enough copy of the instruction suitable for
// handing to a replica callback that may outlive the current dispatch.
func (i StoreInstruction) Clone() StoreInstruction {
	clone := i
	if i.Broadcast != nil {
		bc := i.Broadcast.Clone()
		clone.Broadcast = &bc
	}
	return clone
}

type keyState struct {
	counter SequenceNumber
	values  []SequenceValue
}

// Store maps keys to their per-key counter and ordered durable stream.
// It is not safe for concurrent use; callers (the Database) must
// serialize access.
type Store struct {
	keys map[string]*keyState
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{keys: make(map[string]*keyState)}
}

func (s *Store) keyStateFor(key string) *keyState {
	if s.keys == nil {
		s.keys = make(map[string]*keyState)
	}
	ks, ok := s.keys[key]
	if !ok {
		ks = &keyState{}
		s.keys[key] = ks
	}
	return ks
}

// ConvertToInstruction computes the broadcast field and target sequence
// for a Push without mutating the stream. Splitting conversion from
// Apply lets the Database hand replicas and the replica sink the exact
// instruction it applied.
func (s *Store) ConvertToInstruction(key string, value any, action Action) StoreInstruction {
	ks := s.keyStateFor(key)

	switch action.Kind {
	case ActionRelay, ActionAppend, ActionReplace:
		ks.counter++
		return StoreInstruction{
			Key:       key,
			Action:    action,
			Broadcast: &SequenceValue{Seq: ks.counter, Value: value},
		}
	case ActionCompact:
		if action.Seq > ks.counter {
			ks.counter = action.Seq
		}
		return StoreInstruction{
			Key: key,
			// Value is carried on the resolved action itself (not the
			// broadcast field, which stays nil: Compact never
			// broadcasts) so a replica sink can replay it without
			// re-deriving the pushed value.
			Action:    Action{Kind: ActionCompact, Seq: action.Seq, Value: value},
			Broadcast: nil,
		}
	default:
		return StoreInstruction{Key: key, Action: action}
	}
}

// Apply commits instruction to the per-key state and returns the
// resulting number of durable entries for the key. For Compact, the
// value to insert travels on instruction.Action.Value (ConvertToInstruction
// puts it there precisely so Apply needs nothing beyond the instruction
// itself — the same instruction a replica sink receives).
func (s *Store) Apply(instruction StoreInstruction) int {
	ks := s.keyStateFor(instruction.Key)

	switch instruction.Action.Kind {
	case ActionRelay:
		// Leaves the stream unchanged; the counter was already advanced
		// by ConvertToInstruction.
	case ActionAppend:
		if instruction.Broadcast != nil {
			ks.values = append(ks.values, instruction.Broadcast.Clone())
		}
	case ActionReplace:
		if instruction.Broadcast != nil {
			ks.values = []SequenceValue{instruction.Broadcast.Clone()}
		} else {
			ks.values = nil
		}
	case ActionCompact:
		seq := instruction.Action.Seq
		kept := ks.values[:0:0]
		for _, sv := range ks.values {
			if sv.Seq >= seq {
				kept = append(kept, sv)
			}
		}
		ks.values = kept
		s.insertSorted(ks, SequenceValue{Seq: seq, Value: instruction.Action.Value})
	}

	return len(ks.values)
}

func (s *Store) insertSorted(ks *keyState, sv SequenceValue) {
	idx := sort.Search(len(ks.values), func(i int) bool { return ks.values[i].Seq >= sv.Seq })
	if idx < len(ks.values) && ks.values[idx].Seq == sv.Seq {
		ks.values[idx] = sv
		return
	}
	ks.values = append(ks.values, SequenceValue{})
	copy(ks.values[idx+1:], ks.values[idx:])
	ks.values[idx] = sv
}

// Get returns all durable SequenceValues for key with Seq >= sinceSeq,
// in ascending sequence order. A missing key returns an empty slice and
// does not create the key.
func (s *Store) Get(key string, sinceSeq SequenceNumber) []SequenceValue {
	ks, ok := s.keys[key]
	if !ok {
		return []SequenceValue{}
	}
	out := make([]SequenceValue, 0, len(ks.values))
	for _, sv := range ks.values {
		if sv.Seq >= sinceSeq {
			out = append(out, sv.Clone())
		}
	}
	return out
}

// Dump returns a snapshot of every key's durable stream.
func (s *Store) Dump() map[string][]SequenceValue {
	out := make(map[string][]SequenceValue, len(s.keys))
	for key, ks := range s.keys {
		values := make([]SequenceValue, len(ks.values))
		for i, sv := range ks.values {
			values[i] = sv.Clone()
		}
		out[key] = values
	}
	return out
}

// Mutates reports whether instruction durably alters its key's stream.
func (s *Store) Mutates(instruction StoreInstruction) bool { return instruction.Mutates() }

// snapshotKey is the on-disk representation of one key's state, used by
// the roomstore codec.
type snapshotKey struct {
	Key     string          `json:"key"`
	Counter SequenceNumber  `json:"counter"`
	Values  []SequenceValue `json:"values"`
}

// Snapshot captures the entire store (all keys, counters, and streams)
// for durable persistence.
type Snapshot struct {
	Keys []snapshotKey `json:"keys"`
}

// ToSnapshot serializes the store's full state.
func (s *Store) ToSnapshot() Snapshot {
	keys := make([]string, 0, len(s.keys))
	for key := range s.keys {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	snap := Snapshot{Keys: make([]snapshotKey, 0, len(keys))}
	for _, key := range keys {
		ks := s.keys[key]
		values := make([]SequenceValue, len(ks.values))
		for i, sv := range ks.values {
			values[i] = sv.Clone()
		}
		snap.Keys = append(snap.Keys, snapshotKey{Key: key, Counter: ks.counter, Values: values})
	}
	return snap
}

// FromSnapshot rebuilds a Store from a previously captured Snapshot.
func FromSnapshot(snap Snapshot) *Store {
	s := NewStore()
	for _, sk := range snap.Keys {
		values := make([]SequenceValue, len(sk.Values))
		for i, sv := range sk.Values {
			values[i] = sv.Clone()
		}
		s.keys[sk.Key] = &keyState{counter: sk.Counter, values: values}
	}
	return s
}
