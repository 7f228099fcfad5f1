package store

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// cborEncMode/cborDecMode give Action's hand-rolled CBOR (de)serialization
// the same default-map-shape behavior as encoding/json (map[string]any
// rather than cbor's default map[interface{}]interface{}), so a value
// decoded from CBOR compares equal to one decoded from JSON.
var (
	cborEncMode = func() cbor.EncMode {
		m, err := cbor.EncOptions{}.EncMode()
		if err != nil {
			panic(err)
		}
		return m
	}()
	cborDecMode = func() cbor.DecMode {
		m, err := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any{})}.DecMode()
		if err != nil {
			panic(err)
		}
		return m
	}()
)

// ActionKind tags the four ways a Push can be resolved against a key's
// stream.
type ActionKind int

const (
	// ActionRelay broadcasts a value without retaining it.
	ActionRelay ActionKind = iota
	// ActionAppend durably appends a value to the key's stream.
	ActionAppend
	// ActionReplace durably replaces the key's stream with a single value.
	ActionReplace
	// ActionCompact durably trims the stream to entries at or after Seq,
	// inserting the pushed value at Seq.
	ActionCompact
)

func (k ActionKind) String() string {
	switch k {
	case ActionRelay:
		return "Relay"
	case ActionAppend:
		return "Append"
	case ActionReplace:
		return "Replace"
	case ActionCompact:
		return "Compact"
	default:
		return "Unknown"
	}
}

// Action is the tag on a Push: Relay, Append, Replace, or Compact{Seq}.
type Action struct {
	Kind ActionKind
	// Seq carries the compaction boundary for ActionCompact; it is
	// meaningless for the other kinds.
	Seq SequenceNumber
	// Value carries the compacted value once a Compact action has been
	// resolved into a StoreInstruction. It travels separately on an
	// inbound Push (as the message's own value field) and is absent on
	// the wire form of that Push's action; ConvertToInstruction fills it
	// in so a replica sink can replay Compact without a broadcast.
	Value any
}

// Relay constructs an ephemeral-relay action.
func Relay() Action { return Action{Kind: ActionRelay} }

// Append constructs a durable-append action.
func Append() Action { return Action{Kind: ActionAppend} }

// Replace constructs a durable-replace action.
func Replace() Action { return Action{Kind: ActionReplace} }

// Compact constructs a durable-compact action at the given sequence.
func Compact(seq SequenceNumber) Action { return Action{Kind: ActionCompact, Seq: seq} }

// Mutates reports whether the action durably alters the stream.
func (a Action) Mutates() bool {
	switch a.Kind {
	case ActionAppend, ActionReplace, ActionCompact:
		return true
	default:
		return false
	}
}

type compactPayload struct {
	Seq   SequenceNumber `json:"seq" cbor:"seq"`
	Value any            `json:"value,omitempty" cbor:"value,omitempty"`
}

// MarshalJSON encodes unit variants as their bare name and the Compact
// variant as {"Compact":{"seq":N[,"value":V]}}, matching the
// externally-tagged enum shape existing clients already speak. Value is
// only present once a Compact action has been resolved into a
// StoreInstruction destined for a replica sink.
func (a Action) MarshalJSON() ([]byte, error) {
	if a.Kind == ActionCompact {
		return json.Marshal(map[string]compactPayload{"Compact": {Seq: a.Seq, Value: a.Value}})
	}
	return json.Marshal(a.Kind.String())
}

// UnmarshalJSON accepts either a bare variant name or a {"Compact":{...}}
// object.
func (a *Action) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		switch name {
		case "Relay":
			*a = Relay()
		case "Append":
			*a = Append()
		case "Replace":
			*a = Replace()
		default:
			return fmt.Errorf("store: unknown action %q", name)
		}
		return nil
	}

	var wrapper struct {
		Compact *compactPayload `json:"Compact"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return fmt.Errorf("store: decode action: %w", err)
	}
	if wrapper.Compact == nil {
		return fmt.Errorf("store: action object missing Compact field")
	}
	*a = Action{Kind: ActionCompact, Seq: wrapper.Compact.Seq, Value: wrapper.Compact.Value}
	return nil
}

// MarshalCBOR implements cbor.Marshaler, reusing the same externally
// tagged shape as MarshalJSON so the wire protocol is codec-agnostic.
func (a Action) MarshalCBOR() ([]byte, error) {
	if a.Kind == ActionCompact {
		return cborEncMode.Marshal(map[string]compactPayload{"Compact": {Seq: a.Seq, Value: a.Value}})
	}
	return cborEncMode.Marshal(a.Kind.String())
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (a *Action) UnmarshalCBOR(data []byte) error {
	var name string
	if err := cborDecMode.Unmarshal(data, &name); err == nil {
		switch name {
		case "Relay":
			*a = Relay()
		case "Append":
			*a = Append()
		case "Replace":
			*a = Replace()
		default:
			return fmt.Errorf("store: unknown action %q", name)
		}
		return nil
	}

	var wrapper struct {
		Compact *compactPayload `cbor:"Compact"`
	}
	if err := cborDecMode.Unmarshal(data, &wrapper); err != nil {
		return fmt.Errorf("store: decode action: %w", err)
	}
	if wrapper.Compact == nil {
		return fmt.Errorf("store: action object missing Compact field")
	}
	*a = Action{Kind: ActionCompact, Seq: wrapper.Compact.Seq, Value: wrapper.Compact.Value}
	return nil
}
