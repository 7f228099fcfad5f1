package roomstore

import (
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"driftdb/internal/store"
)

// zstdThresholdBytes is the JSON-encoded snapshot size at or above which
// the codec switches from snappy to zstd. Snappy favors speed on the small,
// frequent snapshots steady-state rooms write on every mutation; zstd's
// better ratio pays for its extra CPU once a room's durable stream
// grows large enough to matter.
const zstdThresholdBytes = 8 << 10

// codec byte prefixes distinguish which compressor produced a blob so
// Load doesn't need out-of-band metadata.
const (
	codecSnappy byte = 's'
	codecZstd   byte = 'z'
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("roomstore: init zstd encoder: %v", err))
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("roomstore: init zstd decoder: %v", err))
	}
}

// SaveSnapshot serializes snap to JSON and compresses it, prefixing the
// result with a one-byte codec tag so LoadSnapshot can pick the right
// decompressor without separate metadata.
func SaveSnapshot(snap store.Snapshot) ([]byte, error) {
	encoded, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("roomstore: marshal snapshot: %w", err)
	}

	if len(encoded) >= zstdThresholdBytes {
		compressed := zstdEncoder.EncodeAll(encoded, nil)
		return append([]byte{codecZstd}, compressed...), nil
	}

	compressed := snappy.Encode(nil, encoded)
	return append([]byte{codecSnappy}, compressed...), nil
}

// LoadSnapshot reverses SaveSnapshot. load(save(s)) == s for any Snapshot s.
// An empty blob (no prior snapshot written) yields the zero Snapshot.
func LoadSnapshot(blob []byte) (store.Snapshot, error) {
	if len(blob) == 0 {
		return store.Snapshot{}, nil
	}

	codecTag, compressed := blob[0], blob[1:]

	var encoded []byte
	var err error
	switch codecTag {
	case codecSnappy:
		encoded, err = snappy.Decode(nil, compressed)
	case codecZstd:
		encoded, err = zstdDecoder.DecodeAll(compressed, nil)
	default:
		return store.Snapshot{}, fmt.Errorf("roomstore: unknown snapshot codec tag %q", codecTag)
	}
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("roomstore: decompress snapshot: %w", err)
	}

	var snap store.Snapshot
	if err := json.Unmarshal(encoded, &snap); err != nil {
		return store.Snapshot{}, fmt.Errorf("roomstore: unmarshal snapshot: %w", err)
	}
	return snap, nil
}
