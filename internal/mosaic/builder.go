package mosaic

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/seal-mosaic/server/internal/patches"
	"github.com/seal-mosaic/server/internal/pyramid"
)

// ErrLabelRange is returned when a placeable cell ID cannot be painted into a
// uint32 label plane.
var ErrLabelRange = errors.New("cell id outside label range")

// Placement modes.
const (
	ModeNonOcclusive = "nonocclusive"
	ModeGrid         = "grid"
)

// LevelPlacer fills one level's buffers.
type LevelPlacer interface {
	PlaceLevel(ctx context.Context, buf *LevelBuffers, scale int) (LevelStats, error)
}

// Options configures a build.
type Options struct {
	Seed     uint64
	Workers  int
	Mode     string
	TileSize int
}

// Builder runs placement level by level and hands each finished level to a
// Sink. Only one level's buffers are alive at a time.
type Builder struct {
	Planner     pyramid.Planner
	Index       patches.Index
	Coordinates Coordinates
	Sink        Sink
	Options     Options

	// Progress, when set, is called after each level is written.
	Progress func(LevelStats)
}

// Result summarises a finished build.
type Result struct {
	Shapes  []pyramid.Shape `json:"shapes"`
	Levels  []LevelStats    `json:"levels"`
	Elapsed time.Duration   `json:"elapsed_ns"`
}

// Build places all cells into every level of a pyramid with the given base
// shape. Invalid geometry is reported before any buffer is allocated.
func (b *Builder) Build(ctx context.Context, base pyramid.Shape) (res *Result, err error) {
	start := time.Now()
	shapes, err := b.Planner.Shapes(base)
	if err != nil {
		return nil, err
	}

	placer, err := b.placer(base)
	if err != nil {
		return nil, err
	}

	tileSize := b.Options.TileSize
	if tileSize <= 0 {
		tileSize = 1024
	}
	maxLabel, err := b.maxLabel()
	if err != nil {
		return nil, err
	}
	channels := b.Index.Channels()
	plan := Plan{
		Shapes:          shapes,
		Channels:        channels,
		DownscaleFactor: b.Planner.DownscaleFactor,
		TileSize:        tileSize,
		MaxLabel:        maxLabel,
	}
	if err := b.Sink.Begin(ctx, plan); err != nil {
		b.Sink.Abort()
		return nil, fmt.Errorf("failed to prepare output: %w", err)
	}
	defer func() {
		if err != nil {
			b.Sink.Abort()
		}
	}()

	log.Printf("[Builder] %d levels from base %v, %s cells, mode %s",
		len(shapes), base, humanize.Comma(int64(b.Index.Len())), b.mode())

	result := &Result{Shapes: shapes}
	for z, shape := range shapes {
		log.Printf("[Builder] Level %d: shape %v, buffers %s", z, shape,
			humanize.IBytes(LevelBufferBytes(shape, channels)))

		buf := NewLevelBuffers(z, shape, channels)
		stats, err := placer.PlaceLevel(ctx, buf, b.Planner.ScaleFactor(z))
		if err != nil {
			buf.Release()
			return nil, err
		}
		buf.DropOccupancy()

		if err := b.Sink.WriteLevel(ctx, buf); err != nil {
			buf.Release()
			var le *LevelError
			if errors.As(err, &le) {
				return nil, err
			}
			return nil, &LevelError{Level: z, Phase: PhaseWrite, Err: err}
		}
		buf.Release()

		log.Printf("[Builder] Level %d done in %v: accepted=%s rejected=%s missing=%s",
			z, stats.Elapsed.Round(time.Millisecond), humanize.Comma(int64(stats.Accepted)),
			humanize.Comma(int64(stats.Rejected)), humanize.Comma(int64(stats.Missing)))
		result.Levels = append(result.Levels, stats)
		if b.Progress != nil {
			b.Progress(stats)
		}
	}

	if err := b.Sink.Finalize(ctx, result.Levels); err != nil {
		return nil, fmt.Errorf("failed to finalize output: %w", err)
	}
	result.Elapsed = time.Since(start)
	return result, nil
}

func (b *Builder) mode() string {
	if b.Options.Mode == "" {
		return ModeNonOcclusive
	}
	return b.Options.Mode
}

func (b *Builder) placer(base pyramid.Shape) (LevelPlacer, error) {
	switch b.mode() {
	case ModeNonOcclusive:
		return &Placer{
			Index:       b.Index,
			Coordinates: b.Coordinates,
			Order:       ShuffleOrder(b.Index.Len(), b.Options.Seed),
			Workers:     b.Options.Workers,
		}, nil
	case ModeGrid:
		tile := b.Options.TileSize
		if tile <= 0 {
			tile = 1024
		}
		return NewGridPlacer(b.Index, b.Coordinates, tile, base.Width, base.Height)
	default:
		return nil, fmt.Errorf("unknown placement mode %q", b.Options.Mode)
	}
}

// maxLabel returns the largest label value any cell with a coordinate can
// paint. IDs that do not fit a uint32 label are rejected.
func (b *Builder) maxLabel() (int64, error) {
	var m int64
	for dense := 0; dense < b.Index.Len(); dense++ {
		id, err := b.Index.CellID(dense)
		if err != nil {
			continue
		}
		if _, _, ok := b.Coordinates.Coordinate(id); !ok {
			continue
		}
		if id < 0 || id > math.MaxUint32 {
			return 0, fmt.Errorf("%w: cell %d", ErrLabelRange, id)
		}
		m = max(m, id)
	}
	return m, nil
}

// LabelDataType picks the narrowest label type that holds maxLabel.
func LabelDataType(maxLabel int64) string {
	if maxLabel <= 65535 {
		return "uint16"
	}
	return "uint32"
}
