package qxlparse

import (
	"encoding/binary"
	"fmt"

	"github.com/spice-display/corestream/config"
)

// chunkHeaderSize is sizeof(QXLDataChunk) up to the variable-length
// data field: a next_chunk pointer (8 bytes) and a data_size (4
// bytes), matching original_source's QXLDataChunk layout.
const chunkHeaderSize = 12

// ReadChunkList walks the guest's singly-linked chunk list at addr
// (spec.md §3 "Data chunk list"), enforcing the chunk-count bound
// before trusting any structural walk (spec.md §9) and the aggregate
// size bound as it accumulates. It returns the concatenated,
// host-owned bytes.
func ReadChunkList(g *Guest, addr uint64, lim config.Limits) ([]byte, error) {
	hdr, err := g.Read(addr, chunkHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("qxlparse: chunk list head: %w", err)
	}
	next := binary.LittleEndian.Uint64(hdr[0:8])
	size := binary.LittleEndian.Uint32(hdr[8:12])

	out := make([]byte, 0, size)
	var total uint64
	var numChunks int64

	for {
		if size > 0 {
			data, err := g.Read(addr+chunkHeaderSize, uint64(size))
			if err != nil {
				return nil, fmt.Errorf("qxlparse: chunk data: %w", err)
			}
			total += uint64(size)
			if total > uint64(lim.MaxDataChunk) {
				return nil, fmt.Errorf("qxlparse: aggregate chunk size exceeds MAX_DATA_CHUNK: %w", ErrInvalidSize)
			}
			out = append(out, data...)
		}
		// Empty chunks are skipped but still counted (spec.md §3),
		// which is what makes the chunk-count bound sufficient to
		// terminate a cyclic list even when every chunk is empty.
		// Exactly MaxChunks chunks must still parse (spec.md §8), so
		// the head chunk itself never trips this -- only a chunk
		// beyond MaxChunks does.
		numChunks++
		if numChunks > lim.MaxChunks {
			return nil, fmt.Errorf("qxlparse: chunk count exceeds MAX_CHUNKS (possible cycle): %w", ErrInvalidSize)
		}

		if next == 0 {
			break
		}
		hdr, err = g.Read(next, chunkHeaderSize)
		if err != nil {
			return nil, fmt.Errorf("qxlparse: next chunk head: %w", err)
		}
		addr = next
		next = binary.LittleEndian.Uint64(hdr[0:8])
		size = binary.LittleEndian.Uint32(hdr[8:12])
	}
	return out, nil
}
