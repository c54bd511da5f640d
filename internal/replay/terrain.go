package replay

import (
	"fmt"
	"sort"
	"sync"

	"github.com/stagehand-project/stagehand/internal/protocol"
)

const (
	chunkWidth     = 16
	flatSubChunks  = 4
	flatSurfaceY   = -60
	flatBiomeBytes = 24
)

// ChunkPos is a chunk coordinate.
type ChunkPos struct {
	X, Z int32
}

// ChunksInRadius lists every chunk whose center lies within distance chunks
// of center, nearest first.
func ChunksInRadius(center ChunkPos, distance int) []ChunkPos {
	if distance < 0 {
		return nil
	}

	r := int32(distance)
	var out []ChunkPos
	for dx := -r; dx <= r; dx++ {
		for dz := -r; dz <= r; dz++ {
			if dx*dx+dz*dz <= r*r {
				out = append(out, ChunkPos{X: center.X + dx, Z: center.Z + dz})
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return distSq(out[i], center) < distSq(out[j], center)
	})
	return out
}

func distSq(p, c ChunkPos) int32 {
	dx, dz := p.X-c.X, p.Z-c.Z
	return dx*dx + dz*dz
}

// flatChunkPayload is the body of every synthetic chunk: a few sub-chunks of
// a single-block palette followed by a uniform biome section.
var flatChunkPayload = sync.OnceValue(func() []byte {
	b := protocol.NewPacketBuilder()
	for i := 0; i < flatSubChunks; i++ {
		b.WriteUint8(9)                           // sub-chunk version
		b.WriteUint8(1)                           // storage layers
		b.WriteVarint(int64(flatSurfaceY/16 + i)) // sub-chunk index
		b.WriteUint8(1)                           // single-value palette
		b.WriteVarint(int64(i))                   // block runtime id
	}
	for i := 0; i < flatBiomeBytes; i++ {
		b.WriteUint8(1)
		b.WriteVarint(1) // plains
	}
	b.WriteUint8(0) // border blocks
	return b.Build()
})

// streamTerrain queues a publisher update and one flat chunk per position in
// range. It returns the number of chunks sent.
func (s *Session) streamTerrain(distance int) (int, error) {
	if s.opts.ChunkDistance > 0 {
		distance = s.opts.ChunkDistance
	}
	center := ChunkPos{X: s.opts.ChunkCenterX, Z: s.opts.ChunkCenterZ}

	if err := s.conn.Queue(protocol.PacketNetworkChunkPublisherUpdate, protocol.Params{
		"x":      int64(center.X) * chunkWidth,
		"y":      int64(0),
		"z":      int64(center.Z) * chunkWidth,
		"radius": int64(distance * chunkWidth),
	}); err != nil {
		return 0, fmt.Errorf("failed to send chunk publisher update: %w", err)
	}

	payload := flatChunkPayload()
	chunks := ChunksInRadius(center, distance)
	for _, pos := range chunks {
		if err := s.conn.Queue(protocol.PacketLevelChunk, protocol.Params{
			"x":               int64(pos.X),
			"z":               int64(pos.Z),
			"sub_chunk_count": int64(flatSubChunks),
			"cache_enabled":   false,
			"payload":         payload,
		}); err != nil {
			return 0, fmt.Errorf("failed to send chunk %d,%d: %w", pos.X, pos.Z, err)
		}
	}

	s.logger.Debug().
		Int("distance", distance).
		Int("chunks", len(chunks)).
		Msg("synthetic terrain streamed")
	return len(chunks), nil
}
