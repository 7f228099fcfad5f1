// Package wire implements the DriftDB message protocol: the inbound
// MessageToDatabase and outbound MessageFromDatabase sum types, each
// encodable as either a JSON text frame or a CBOR binary frame with an
// identical logical schema. Field names (key, value, action, seq, nonce,
// data, size, message) and the "type" discriminator are part of the
// external contract with existing clients; renaming them breaks them.
package wire

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"driftdb/internal/store"
)

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

// MarshalCBOR encodes a value with the shared decode-friendly mode so
// hand-written (de)serializers throughout this package stay consistent
// with each other and with store.Action's.
func MarshalCBOR(v any) ([]byte, error) { return cborEncMode.Marshal(v) }

// UnmarshalCBOR decodes a value with the shared mode.
func UnmarshalCBOR(data []byte, v any) error { return cborDecMode.Unmarshal(data, v) }

// InboundKind tags a MessageToDatabase.
type InboundKind string

const (
	InboundPush InboundKind = "Push"
	InboundGet  InboundKind = "Get"
	InboundPing InboundKind = "Ping"
)

// MessageToDatabase is a client-to-server frame: Push, Get, or Ping.
// Only the fields relevant to Kind are populated.
type MessageToDatabase struct {
	Kind   InboundKind
	Key    string              // Push, Get
	Value  any                 // Push
	Action store.Action        // Push
	Seq    store.SequenceNumber // Get
	Nonce  uint64              // Ping
}

// PushMessage constructs an inbound Push frame.
func PushMessage(key string, value any, action store.Action) MessageToDatabase {
	return MessageToDatabase{Kind: InboundPush, Key: key, Value: value, Action: action}
}

// GetMessage constructs an inbound Get frame.
func GetMessage(key string, seq store.SequenceNumber) MessageToDatabase {
	return MessageToDatabase{Kind: InboundGet, Key: key, Seq: seq}
}

// PingMessage constructs an inbound Ping frame.
func PingMessage(nonce uint64) MessageToDatabase {
	return MessageToDatabase{Kind: InboundPing, Nonce: nonce}
}

type inboundWire struct {
	Type   InboundKind           `json:"type" cbor:"type"`
	Key    string                `json:"key,omitempty" cbor:"key,omitempty"`
	Value  *any                  `json:"value,omitempty" cbor:"value,omitempty"`
	Action *store.Action         `json:"action,omitempty" cbor:"action,omitempty"`
	Seq    *store.SequenceNumber `json:"seq,omitempty" cbor:"seq,omitempty"`
	Nonce  *uint64               `json:"nonce,omitempty" cbor:"nonce,omitempty"`
}

func (m MessageToDatabase) toWire() (inboundWire, error) {
	w := inboundWire{Type: m.Kind}
	switch m.Kind {
	case InboundPush:
		value := m.Value
		w.Key, w.Value, w.Action = m.Key, &value, &m.Action
	case InboundGet:
		w.Key, w.Seq = m.Key, &m.Seq
	case InboundPing:
		w.Nonce = &m.Nonce
	default:
		return inboundWire{}, fmt.Errorf("wire: unknown inbound kind %q", m.Kind)
	}
	return w, nil
}

func (w inboundWire) toMessage() (MessageToDatabase, error) {
	switch w.Type {
	case InboundPush:
		if w.Action == nil {
			return MessageToDatabase{}, fmt.Errorf("wire: Push missing action")
		}
		var value any
		if w.Value != nil {
			value = *w.Value
		}
		return PushMessage(w.Key, value, *w.Action), nil
	case InboundGet:
		var seq store.SequenceNumber
		if w.Seq != nil {
			seq = *w.Seq
		}
		return GetMessage(w.Key, seq), nil
	case InboundPing:
		var nonce uint64
		if w.Nonce != nil {
			nonce = *w.Nonce
		}
		return PingMessage(nonce), nil
	default:
		return MessageToDatabase{}, fmt.Errorf("wire: unknown inbound type %q", w.Type)
	}
}

// MarshalJSON encodes the frame as {"type":"Push","key":...,...}.
func (m MessageToDatabase) MarshalJSON() ([]byte, error) {
	w, err := m.toWire()
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a frame previously produced by MarshalJSON.
func (m *MessageToDatabase) UnmarshalJSON(data []byte) error {
	var w inboundWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("wire: decode MessageToDatabase: %w", err)
	}
	decoded, err := w.toMessage()
	if err != nil {
		return err
	}
	*m = decoded
	return nil
}

// MarshalCBOR implements cbor.Marshaler.
func (m MessageToDatabase) MarshalCBOR() ([]byte, error) {
	w, err := m.toWire()
	if err != nil {
		return nil, err
	}
	return MarshalCBOR(w)
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (m *MessageToDatabase) UnmarshalCBOR(data []byte) error {
	var w inboundWire
	if err := UnmarshalCBOR(data, &w); err != nil {
		return fmt.Errorf("wire: decode MessageToDatabase: %w", err)
	}
	decoded, err := w.toMessage()
	if err != nil {
		return err
	}
	*m = decoded
	return nil
}

// OutboundKind tags a MessageFromDatabase.
type OutboundKind string

const (
	OutboundInit               OutboundKind = "Init"
	OutboundPush               OutboundKind = "Push"
	OutboundStreamSize         OutboundKind = "StreamSize"
	OutboundPong               OutboundKind = "Pong"
	OutboundError              OutboundKind = "Error"
	OutboundReplicaInstruction OutboundKind = "ReplicaInstruction"
)

// MessageFromDatabase is a server-to-client frame. Only the fields
// relevant to Kind are populated.
type MessageFromDatabase struct {
	Kind    OutboundKind
	Key     string                 // Init, Push, StreamSize
	Data    []store.SequenceValue  // Init
	Value   any                    // Push
	Seq     store.SequenceNumber   // Push
	Size    int                    // StreamSize
	Nonce   uint64                 // Pong
	Message string                 // Error
	Replica ReplicaInstruction     // ReplicaInstruction
}

// InitMessage constructs an outbound Init frame.
func InitMessage(key string, data []store.SequenceValue) MessageFromDatabase {
	if data == nil {
		data = []store.SequenceValue{}
	}
	return MessageFromDatabase{Kind: OutboundInit, Key: key, Data: data}
}

// BroadcastMessage constructs an outbound Push (broadcast) frame.
func BroadcastMessage(key string, value any, seq store.SequenceNumber) MessageFromDatabase {
	return MessageFromDatabase{Kind: OutboundPush, Key: key, Value: value, Seq: seq}
}

// StreamSizeMessage constructs an outbound StreamSize frame.
func StreamSizeMessage(key string, size int) MessageFromDatabase {
	return MessageFromDatabase{Kind: OutboundStreamSize, Key: key, Size: size}
}

// PongMessage constructs an outbound Pong frame.
func PongMessage(nonce uint64) MessageFromDatabase {
	return MessageFromDatabase{Kind: OutboundPong, Nonce: nonce}
}

// ErrorMessage constructs an outbound Error frame.
func ErrorMessage(message string) MessageFromDatabase {
	return MessageFromDatabase{Kind: OutboundError, Message: message}
}

// ReplicaInstructionMessage constructs an outbound ReplicaInstruction frame.
func ReplicaInstructionMessage(ri ReplicaInstruction) MessageFromDatabase {
	return MessageFromDatabase{Kind: OutboundReplicaInstruction, Replica: ri}
}

type outboundWire struct {
	Type    OutboundKind           `json:"type" cbor:"type"`
	Key     string                 `json:"key,omitempty" cbor:"key,omitempty"`
	Data    *[]store.SequenceValue `json:"data,omitempty" cbor:"data,omitempty"`
	Value   *any                   `json:"value,omitempty" cbor:"value,omitempty"`
	Seq     *store.SequenceNumber  `json:"seq,omitempty" cbor:"seq,omitempty"`
	Size    *int                   `json:"size,omitempty" cbor:"size,omitempty"`
	Nonce   *uint64                `json:"nonce,omitempty" cbor:"nonce,omitempty"`
	Message string                 `json:"message,omitempty" cbor:"message,omitempty"`
	Replica *ReplicaInstruction    `json:"replica_instruction,omitempty" cbor:"replica_instruction,omitempty"`
}

func (m MessageFromDatabase) toWire() (outboundWire, error) {
	w := outboundWire{Type: m.Kind}
	switch m.Kind {
	case OutboundInit:
		data := m.Data
		if data == nil {
			data = []store.SequenceValue{}
		}
		w.Key, w.Data = m.Key, &data
	case OutboundPush:
		value := m.Value
		w.Key, w.Value, w.Seq = m.Key, &value, &m.Seq
	case OutboundStreamSize:
		w.Key, w.Size = m.Key, &m.Size
	case OutboundPong:
		w.Nonce = &m.Nonce
	case OutboundError:
		w.Message = m.Message
	case OutboundReplicaInstruction:
		w.Replica = &m.Replica
	default:
		return outboundWire{}, fmt.Errorf("wire: unknown outbound kind %q", m.Kind)
	}
	return w, nil
}

func (w outboundWire) toMessage() (MessageFromDatabase, error) {
	switch w.Type {
	case OutboundInit:
		var data []store.SequenceValue
		if w.Data != nil {
			data = *w.Data
		}
		return InitMessage(w.Key, data), nil
	case OutboundPush:
		var seq store.SequenceNumber
		if w.Seq != nil {
			seq = *w.Seq
		}
		var value any
		if w.Value != nil {
			value = *w.Value
		}
		return BroadcastMessage(w.Key, value, seq), nil
	case OutboundStreamSize:
		var size int
		if w.Size != nil {
			size = *w.Size
		}
		return StreamSizeMessage(w.Key, size), nil
	case OutboundPong:
		var nonce uint64
		if w.Nonce != nil {
			nonce = *w.Nonce
		}
		return PongMessage(nonce), nil
	case OutboundError:
		return ErrorMessage(w.Message), nil
	case OutboundReplicaInstruction:
		if w.Replica == nil {
			return MessageFromDatabase{}, fmt.Errorf("wire: ReplicaInstruction frame missing payload")
		}
		return ReplicaInstructionMessage(*w.Replica), nil
	default:
		return MessageFromDatabase{}, fmt.Errorf("wire: unknown outbound type %q", w.Type)
	}
}

// MarshalJSON encodes the frame as {"type":"Init","key":...,"data":[...]}.
func (m MessageFromDatabase) MarshalJSON() ([]byte, error) {
	w, err := m.toWire()
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a frame previously produced by MarshalJSON.
func (m *MessageFromDatabase) UnmarshalJSON(data []byte) error {
	var w outboundWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("wire: decode MessageFromDatabase: %w", err)
	}
	decoded, err := w.toMessage()
	if err != nil {
		return err
	}
	*m = decoded
	return nil
}

// MarshalCBOR implements cbor.Marshaler.
func (m MessageFromDatabase) MarshalCBOR() ([]byte, error) {
	w, err := m.toWire()
	if err != nil {
		return nil, err
	}
	return MarshalCBOR(w)
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (m *MessageFromDatabase) UnmarshalCBOR(data []byte) error {
	var w outboundWire
	if err := UnmarshalCBOR(data, &w); err != nil {
		return fmt.Errorf("wire: decode MessageFromDatabase: %w", err)
	}
	decoded, err := w.toMessage()
	if err != nil {
		return err
	}
	*m = decoded
	return nil
}

// ReplicaInstructionKind tags a ReplicaInstruction.
type ReplicaInstructionKind string

const (
	// ReplicaKindStoreInstruction mirrors one applied StoreInstruction.
	ReplicaKindStoreInstruction ReplicaInstructionKind = "StoreInstruction"
	// ReplicaKindInitInstruction mirrors the entire store snapshot,
	// delivered once when a replica subscriber first connects.
	ReplicaKindInitInstruction ReplicaInstructionKind = "InitInstruction"
)

// ReplicaInstruction is what a replica subscriber actually receives: a
// single mirrored StoreInstruction, or (on first connect) a full
// snapshot of the store to seed replica-side state.
type ReplicaInstruction struct {
	Kind        ReplicaInstructionKind
	Instruction store.StoreInstruction // StoreInstruction
	Snapshot    store.Snapshot         // InitInstruction
}

// StoreInstructionReplica wraps a single applied instruction for mirroring.
func StoreInstructionReplica(instr store.StoreInstruction) ReplicaInstruction {
	return ReplicaInstruction{Kind: ReplicaKindStoreInstruction, Instruction: instr}
}

// InitInstructionReplica wraps a full store snapshot for a freshly
// connected replica subscriber.
func InitInstructionReplica(snap store.Snapshot) ReplicaInstruction {
	return ReplicaInstruction{Kind: ReplicaKindInitInstruction, Snapshot: snap}
}

type replicaWire struct {
	Type        ReplicaInstructionKind  `json:"type" cbor:"type"`
	Instruction *store.StoreInstruction `json:"instruction,omitempty" cbor:"instruction,omitempty"`
	Snapshot    *store.Snapshot         `json:"snapshot,omitempty" cbor:"snapshot,omitempty"`
}

func (r ReplicaInstruction) toWire() (replicaWire, error) {
	w := replicaWire{Type: r.Kind}
	switch r.Kind {
	case ReplicaKindStoreInstruction:
		w.Instruction = &r.Instruction
	case ReplicaKindInitInstruction:
		w.Snapshot = &r.Snapshot
	default:
		return replicaWire{}, fmt.Errorf("wire: unknown replica instruction kind %q", r.Kind)
	}
	return w, nil
}

func (w replicaWire) toReplica() (ReplicaInstruction, error) {
	switch w.Type {
	case ReplicaKindStoreInstruction:
		if w.Instruction == nil {
			return ReplicaInstruction{}, fmt.Errorf("wire: StoreInstruction replica frame missing instruction")
		}
		return StoreInstructionReplica(*w.Instruction), nil
	case ReplicaKindInitInstruction:
		if w.Snapshot == nil {
			return ReplicaInstruction{}, fmt.Errorf("wire: InitInstruction replica frame missing snapshot")
		}
		return InitInstructionReplica(*w.Snapshot), nil
	default:
		return ReplicaInstruction{}, fmt.Errorf("wire: unknown replica instruction type %q", w.Type)
	}
}

// MarshalJSON encodes the replica frame.
func (r ReplicaInstruction) MarshalJSON() ([]byte, error) {
	w, err := r.toWire()
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a replica frame.
func (r *ReplicaInstruction) UnmarshalJSON(data []byte) error {
	var w replicaWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("wire: decode ReplicaInstruction: %w", err)
	}
	decoded, err := w.toReplica()
	if err != nil {
		return err
	}
	*r = decoded
	return nil
}

// MarshalCBOR implements cbor.Marshaler.
func (r ReplicaInstruction) MarshalCBOR() ([]byte, error) {
	w, err := r.toWire()
	if err != nil {
		return nil, err
	}
	return MarshalCBOR(w)
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (r *ReplicaInstruction) UnmarshalCBOR(data []byte) error {
	var w replicaWire
	if err := UnmarshalCBOR(data, &w); err != nil {
		return fmt.Errorf("wire: decode ReplicaInstruction: %w", err)
	}
	decoded, err := w.toReplica()
	if err != nil {
		return err
	}
	*r = decoded
	return nil
}
