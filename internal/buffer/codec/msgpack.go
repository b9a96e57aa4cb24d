// Package codec supplies a default wire format for buffer.WriteItem,
// so callers that don't need a custom on-wire layout don't have to
// write their own buffer.FormatFunc.
package codec

import (
	"github.com/vmihailenco/msgpack/v5"

	"chunkbuffer/internal/buffer"
)

// MsgpackFormat serializes a batch of raw entries as a msgpack array
// of byte strings, the same shape a Forward-protocol style ingester
// decodes a batch of already-serialized event bytes into without
// needing to know their internal structure. Use as WriteItem.Format
// when the entries should travel through Chunk.Concat as one framed
// blob instead of Chunk.Append's per-entry path.
func MsgpackFormat(entries [][]byte) ([]byte, error) {
	return msgpack.Marshal(entries)
}

// DecodeMsgpackBatch reverses one MsgpackFormat call's output. Note
// this decodes a single batch, not a whole chunk's committed body: a
// chunk may hold several concatenated batches (one per Concat call
// before Commit), and this buffer has no API to recover those
// boundaries after the fact — a chunk's content is read back as an
// opaque stream by the downstream output plugin rather than replayed
// batch-by-batch.
func DecodeMsgpackBatch(data []byte) ([][]byte, error) {
	var entries [][]byte
	if err := msgpack.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

var _ buffer.FormatFunc = MsgpackFormat
