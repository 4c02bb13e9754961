// Package service provides the mosaic build logic shared by the CLI and the
// job server.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/seal-mosaic/server/internal/cache"
	"github.com/seal-mosaic/server/internal/config"
	"github.com/seal-mosaic/server/internal/data/soma"
	"github.com/seal-mosaic/server/internal/data/zarr"
	"github.com/seal-mosaic/server/internal/embedding"
	"github.com/seal-mosaic/server/internal/mosaic"
	"github.com/seal-mosaic/server/internal/patches"
	"github.com/seal-mosaic/server/internal/publish"
	"github.com/seal-mosaic/server/internal/pyramid"
	"github.com/seal-mosaic/server/internal/render"
	"github.com/seal-mosaic/server/internal/selection"
)

// EmbeddingFileName is the normalized embedding written next to the output.
const EmbeddingFileName = "updated.csv"

// ErrEmptySelection is returned when none of the selected cells exist.
var ErrEmptySelection = errors.New("selection matches no cells")

// MosaicServiceConfig contains mosaic service configuration.
type MosaicServiceConfig struct {
	DatasetID string
	Dataset   config.DatasetConfig
	Pyramid   config.PyramidConfig
	Placement config.PlacementConfig
	Output    config.OutputConfig
	Cache     *cache.Manager
	Renderer  *render.Renderer
}

// MosaicService builds mosaics for one dataset. Inputs are opened on first
// use and shared by all builds.
type MosaicService struct {
	cfg MosaicServiceConfig

	mu           sync.Mutex
	loaded       bool
	index        patches.Index
	table        *embedding.Table
	base         pyramid.Shape
	pixelSize    float64
	pixelUnit    string
	channelNames []string
}

// NewMosaicService creates a mosaic service.
func NewMosaicService(cfg MosaicServiceConfig) *MosaicService {
	if cfg.DatasetID == "" {
		cfg.DatasetID = "default"
	}
	return &MosaicService{cfg: cfg}
}

// DatasetID returns the dataset this service builds.
func (s *MosaicService) DatasetID() string { return s.cfg.DatasetID }

// JobOutputDir is the local output root of a build job.
func (s *MosaicService) JobOutputDir(jobID string) string {
	return filepath.Join(s.cfg.Output.Dir, s.cfg.DatasetID, jobID)
}

// BuildRequest describes one build.
type BuildRequest struct {
	// Selection restricts the build to these cell IDs; empty builds all.
	Selection     []int64
	SelectionPath string
	Seed          uint64
	Mode          string
	Preview       bool
	// OutputDir is the local output root; empty uses output.dir.
	OutputDir string
	// PublishPrefix places the output under this prefix of output.publish_url.
	PublishPrefix string
	// Progress is called after each level with the total level count.
	Progress func(stats mosaic.LevelStats, levels int)
}

// BuildOutput describes a finished build.
type BuildOutput struct {
	OutputDir string
	CellCount int
	// Unknown lists selected IDs that are not in the patch index.
	Unknown []int64
	Result  *mosaic.Result
	// Cached is set when an identical earlier build was reused.
	Cached bool
	Record selection.Result
}

// Load opens the patch arrays, the embedding and the reference metadata.
// It is safe to call repeatedly; a failed load is retried on the next call.
func (s *MosaicService) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}
	if err := s.load(ctx); err != nil {
		return fmt.Errorf("dataset %s: %w", s.cfg.DatasetID, err)
	}
	s.loaded = true
	return nil
}

func (s *MosaicService) load(ctx context.Context) error {
	ds := s.cfg.Dataset
	arrOpts := zarr.Options{Workers: s.cfg.Placement.Workers}
	if s.cfg.Cache != nil {
		arrOpts.Cache = s.cfg.Cache.Chunks()
	}
	store, err := patches.OpenStore(patches.StoreOptions{
		MasksPath:   ds.MasksPath,
		ImagesPath:  ds.ImagesPath,
		CellIDsPath: ds.CellIDsPath,
		Array:       arrOpts,
	})
	if err != nil {
		return err
	}

	table, err := s.loadEmbedding(ctx)
	if err != nil {
		return err
	}

	s.pixelSize = ds.PixelSize
	s.pixelUnit = ds.PixelUnit
	s.channelNames = ds.ChannelNames
	var refShape [2]int
	if ds.ReferencePath != "" {
		ref, err := zarr.ReadReference(ds.ReferencePath)
		if err != nil {
			return fmt.Errorf("failed to read reference image: %w", err)
		}
		if s.pixelSize == 0 {
			s.pixelSize = ref.PixelSize
		}
		if ref.PixelUnit != "" && ds.PixelSize == 0 {
			s.pixelUnit = ref.PixelUnit
		}
		if len(s.channelNames) == 0 {
			s.channelNames = ref.ChannelNames
		}
		refShape = ref.BaseShape
	}

	switch {
	case len(ds.BaseShape) == 2:
		s.base = pyramid.Shape{Height: ds.BaseShape[0], Width: ds.BaseShape[1]}
	case refShape[0] > 0 && refShape[1] > 0:
		s.base = pyramid.Shape{Height: refShape[0], Width: refShape[1]}
	default:
		return fmt.Errorf("%w: no base_shape and no reference image", pyramid.ErrInvalidGeometry)
	}

	if ds.Normalize {
		table.Normalize(s.base.Width, s.base.Height)
	}

	s.index = store
	s.table = table
	log.Printf("[MosaicService] %s: base %v, %s embedded cells, pixel size %g %s",
		s.cfg.DatasetID, s.base, humanize.Comma(int64(table.Len())), s.pixelSize, s.pixelUnit)
	return nil
}

func (s *MosaicService) loadEmbedding(ctx context.Context) (*embedding.Table, error) {
	ds := s.cfg.Dataset
	if ds.EmbeddingPath == "" && ds.SomaPath != "" {
		r, err := soma.NewReader(ds.SomaPath)
		if err != nil {
			return nil, err
		}
		name := ds.SomaEmbedding
		if name == "" {
			name = "X_umap"
		}
		log.Printf("[MosaicService] %s: embedding %s from %s", s.cfg.DatasetID, name, r.ExperimentURI())
		return r.Embedding(name)
	}
	return embedding.Load(ctx, ds.EmbeddingPath, embedding.LoadOptions{
		IDColumn: ds.IDColumn,
		XColumn:  ds.XColumn,
		YColumn:  ds.YColumn,
	})
}

// BaseShape returns the base level shape. Load must have succeeded.
func (s *MosaicService) BaseShape() pyramid.Shape {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base
}

// DatasetMetadata describes a dataset and the pyramid a full build produces.
type DatasetMetadata struct {
	ID            string          `json:"id"`
	Cells         int             `json:"cells"`
	EmbeddedCells int             `json:"embedded_cells"`
	PatchShape    [2]int          `json:"patch_shape"`
	Channels      int             `json:"channels"`
	ChannelNames  []string        `json:"channel_names,omitempty"`
	PixelSize     float64         `json:"pixel_size"`
	PixelUnit     string          `json:"pixel_unit"`
	Levels        []pyramid.Shape `json:"levels"`
	TileSize      int             `json:"tile_size"`
	Mode          string          `json:"mode"`
}

// Describe loads the dataset and reports its metadata.
func (s *MosaicService) Describe(ctx context.Context) (*DatasetMetadata, error) {
	if err := s.Load(ctx); err != nil {
		return nil, err
	}
	planner, err := s.Planner()
	if err != nil {
		return nil, err
	}
	shapes, err := planner.Shapes(s.base)
	if err != nil {
		return nil, err
	}
	h, w := s.index.PatchShape()
	return &DatasetMetadata{
		ID:            s.cfg.DatasetID,
		Cells:         s.index.Len(),
		EmbeddedCells: s.table.Len(),
		PatchShape:    [2]int{h, w},
		Channels:      s.index.Channels(),
		ChannelNames:  s.channelNames,
		PixelSize:     s.pixelSize,
		PixelUnit:     s.pixelUnit,
		Levels:        shapes,
		TileSize:      s.cfg.Pyramid.TileSize,
		Mode:          s.cfg.Placement.Mode,
	}, nil
}

// Planner returns the pyramid planner from the configuration.
func (s *MosaicService) Planner() (pyramid.Planner, error) {
	return pyramid.NewPlanner(s.cfg.Pyramid.DownscaleFactor, s.cfg.Pyramid.MaxTopSize)
}

// Build places the requested cells into a full pyramid and publishes it.
func (s *MosaicService) Build(ctx context.Context, req BuildRequest) (*BuildOutput, error) {
	if err := s.Load(ctx); err != nil {
		return nil, err
	}
	planner, err := s.Planner()
	if err != nil {
		return nil, err
	}

	mode := req.Mode
	if mode == "" {
		mode = s.cfg.Placement.Mode
	}
	outDir := req.OutputDir
	if outDir == "" {
		outDir = s.cfg.Output.Dir
	}

	var key selection.Key
	index, coords := s.index, s.table
	out := &BuildOutput{OutputDir: outDir}
	if len(req.Selection) > 0 {
		ids := selection.Normalize(req.Selection)
		key = selection.NewKey(s.cfg.DatasetID, s.cacheScope(req.SelectionPath, mode, req.Seed), ids)
		if rec, ok := s.cachedResult(key); ok {
			log.Printf("[MosaicService] %s: reusing %s", s.cfg.DatasetID, rec.OutputDir)
			return &BuildOutput{OutputDir: rec.OutputDir, CellCount: rec.CellCount, Cached: true, Record: rec}, nil
		}
		sub, unknown, err := patches.NewSubset(s.index, ids)
		if err != nil {
			return nil, err
		}
		if sub.Len() == 0 {
			return nil, ErrEmptySelection
		}
		index, coords, out.Unknown = sub, s.table.Subset(ids), unknown
	}
	out.CellCount = index.Len()

	pub, err := publish.Open(ctx, s.cfg.Output.PublishURL, outDir)
	if err != nil {
		return nil, err
	}
	defer pub.Close()
	pub = publish.WithPrefix(pub, req.PublishPrefix)

	compression, err := zarr.CompressionCodec(s.cfg.Output.Compression)
	if err != nil {
		return nil, err
	}
	var sink mosaic.Sink = mosaic.NewZarrSink(mosaic.ZarrSinkOptions{
		OutputDir:    outDir,
		LabelName:    s.cfg.Output.LabelName,
		ImageName:    s.cfg.Output.ImageName,
		Compression:  compression,
		PixelSize:    s.pixelSize,
		PixelUnit:    s.pixelUnit,
		ChannelNames: s.channelNames,
		Publisher:    pub,
		Workers:      s.cfg.Placement.Workers,
	})
	if (req.Preview || s.cfg.Output.Preview) && s.cfg.Renderer != nil {
		sink = &render.PreviewSink{Next: sink, Renderer: s.cfg.Renderer, Publisher: pub, StagingDir: outDir}
	}

	if s.cfg.Output.WriteEmbedding {
		if err := writeEmbedding(ctx, coords, outDir, pub); err != nil {
			return nil, err
		}
	}

	builder := &mosaic.Builder{
		Planner:     planner,
		Index:       index,
		Coordinates: coords,
		Sink:        sink,
		Options: mosaic.Options{
			Seed:     req.Seed,
			Workers:  s.cfg.Placement.Workers,
			Mode:     mode,
			TileSize: s.cfg.Pyramid.TileSize,
		},
	}
	if req.Progress != nil {
		levels, err := planner.NumLevels(s.base)
		if err != nil {
			return nil, err
		}
		builder.Progress = func(st mosaic.LevelStats) { req.Progress(st, levels) }
	}

	res, err := builder.Build(ctx, s.base)
	if err != nil {
		return nil, err
	}
	out.Result = res

	if len(req.Selection) > 0 {
		out.Record = selection.Result{
			Key:       key,
			CellCount: out.CellCount,
			OutputDir: outDir,
			Levels:    len(res.Levels),
			CreatedAt: time.Now(),
		}
		for _, st := range res.Levels {
			out.Record.Accepted = append(out.Record.Accepted, st.Accepted)
		}
		if s.cfg.Cache != nil {
			if err := s.cfg.Cache.SetResult(out.Record); err != nil {
				log.Printf("[MosaicService] failed to cache result %s: %v", key, err)
			}
		}
	}
	return out, nil
}

// cacheScope folds the build settings that change the output into the
// selection path of a cache key.
func (s *MosaicService) cacheScope(path, mode string, seed uint64) string {
	py, out := s.cfg.Pyramid, s.cfg.Output
	return fmt.Sprintf("%s@%s/%d/f%d/t%d/m%d/%s/%s/%s", path, mode, seed,
		py.DownscaleFactor, py.TileSize, py.MaxTopSize, out.Compression, out.LabelName, out.ImageName)
}

func (s *MosaicService) cachedResult(key selection.Key) (selection.Result, bool) {
	if s.cfg.Cache == nil {
		return selection.Result{}, false
	}
	rec, ok := s.cfg.Cache.GetResult(key)
	if !ok {
		return rec, false
	}
	if s.cfg.Output.PublishURL == "" {
		if _, err := os.Stat(filepath.Join(rec.OutputDir, mosaic.SummaryName)); err != nil {
			s.cfg.Cache.DeleteResult(key)
			return rec, false
		}
	}
	return rec, true
}

func writeEmbedding(ctx context.Context, table *embedding.Table, outDir string, pub publish.Publisher) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(outDir, ".tmp-embedding-")
	if err != nil {
		return err
	}
	tmp.Close()
	defer os.Remove(tmp.Name())
	if err := table.WriteCSVFile(tmp.Name()); err != nil {
		return fmt.Errorf("failed to write embedding: %w", err)
	}
	return pub.PublishFile(ctx, tmp.Name(), EmbeddingFileName)
}
