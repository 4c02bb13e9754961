package mosaic

import (
	"context"

	"github.com/seal-mosaic/server/internal/pyramid"
)

// Plan describes the pyramid a Sink is about to receive.
type Plan struct {
	Shapes          []pyramid.Shape
	Channels        int
	DownscaleFactor int
	TileSize        int
	// MaxLabel is the largest cell ID that can be painted.
	MaxLabel int64
}

// Sink receives finished levels. WriteLevel is called once per level, in
// order, with buffers that are released right after it returns. Abort is
// called instead of Finalize when the build fails after Begin.
type Sink interface {
	Begin(ctx context.Context, plan Plan) error
	WriteLevel(ctx context.Context, buf *LevelBuffers) error
	Finalize(ctx context.Context, stats []LevelStats) error
	Abort()
}

// MemorySink keeps copies of every level in memory.
type MemorySink struct {
	Plan      Plan
	Labels    [][]uint32
	Intensity [][]uint16
	Stats     []LevelStats
	Finalized bool
	Aborted   bool
}

func (s *MemorySink) Begin(_ context.Context, plan Plan) error {
	s.Plan = plan
	s.Labels = make([][]uint32, len(plan.Shapes))
	s.Intensity = make([][]uint16, len(plan.Shapes))
	return nil
}

func (s *MemorySink) WriteLevel(_ context.Context, buf *LevelBuffers) error {
	s.Labels[buf.Level] = append([]uint32(nil), buf.Labels...)
	s.Intensity[buf.Level] = append([]uint16(nil), buf.Intensity...)
	return nil
}

func (s *MemorySink) Finalize(_ context.Context, stats []LevelStats) error {
	s.Stats = stats
	s.Finalized = true
	return nil
}

func (s *MemorySink) Abort() { s.Aborted = true }
