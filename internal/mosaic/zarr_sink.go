package mosaic

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"github.com/seal-mosaic/server/internal/data/zarr"
	"github.com/seal-mosaic/server/internal/publish"
)

// SummaryName is the build summary written next to the two images.
const SummaryName = "mosaic.json"

// ZarrSinkOptions configures the OME-Zarr output.
type ZarrSinkOptions struct {
	// OutputDir holds the staging area and, without a Publisher, the
	// published images.
	OutputDir    string
	LabelName    string
	ImageName    string
	Compression  zarr.Codec
	PixelSize    float64
	PixelUnit    string
	ChannelNames []string
	Publisher    publish.Publisher
	Workers      int
}

// ZarrSink writes each level into a staging directory and publishes it as
// soon as it is complete. Group metadata is published last, so the output is
// only readable as an image once every level is in place.
type ZarrSink struct {
	opts      ZarrSinkOptions
	staging   string
	labels    *zarr.Multiscale
	image     *zarr.Multiscale
	labelType string
}

// NewZarrSink returns a sink for opts. Defaults match the output config.
func NewZarrSink(opts ZarrSinkOptions) *ZarrSink {
	if opts.LabelName == "" {
		opts.LabelName = "embedding_segmentation.ome.zarr"
	}
	if opts.ImageName == "" {
		opts.ImageName = "embedding_image.ome.zarr"
	}
	if opts.Publisher == nil {
		opts.Publisher = &publish.Local{Root: opts.OutputDir}
	}
	return &ZarrSink{opts: opts}
}

// LabelDataType is the label type chosen at Begin.
func (s *ZarrSink) LabelDataType() string { return s.labelType }

func (s *ZarrSink) Begin(ctx context.Context, plan Plan) error {
	if err := os.MkdirAll(s.opts.OutputDir, 0o755); err != nil {
		return err
	}
	staging, err := os.MkdirTemp(s.opts.OutputDir, ".staging-")
	if err != nil {
		return err
	}
	s.staging = staging

	// Unpublish stale group metadata so a half-replaced image is not
	// mistaken for a finished one.
	for _, name := range []string{s.opts.LabelName, s.opts.ImageName} {
		if err := s.opts.Publisher.Remove(ctx, path.Join(name, "zarr.json")); err != nil {
			return fmt.Errorf("failed to unpublish %s: %w", name, err)
		}
	}

	shapes := make([][2]int, len(plan.Shapes))
	for z, sh := range plan.Shapes {
		shapes[z] = [2]int{sh.Height, sh.Width}
	}
	arrOpts := zarr.Options{Workers: s.opts.Workers}

	s.labelType = LabelDataType(plan.MaxLabel)
	s.labels, err = zarr.CreateMultiscale(filepath.Join(staging, s.opts.LabelName), zarr.MultiscaleSpec{
		Name:            "segmentation",
		LevelShapes:     shapes,
		DataType:        s.labelType,
		TileSize:        plan.TileSize,
		Compression:     s.opts.Compression,
		DownscaleFactor: float64(plan.DownscaleFactor),
		PixelSize:       s.opts.PixelSize,
		PixelUnit:       s.opts.PixelUnit,
		Label:           true,
	}, arrOpts)
	if err != nil {
		return err
	}
	s.image, err = zarr.CreateMultiscale(filepath.Join(staging, s.opts.ImageName), zarr.MultiscaleSpec{
		Name:            "image",
		LevelShapes:     shapes,
		Channels:        plan.Channels,
		DataType:        "uint16",
		TileSize:        plan.TileSize,
		Compression:     s.opts.Compression,
		DownscaleFactor: float64(plan.DownscaleFactor),
		PixelSize:       s.opts.PixelSize,
		PixelUnit:       s.opts.PixelUnit,
		ChannelNames:    s.opts.ChannelNames,
	}, arrOpts)
	if err != nil {
		return err
	}
	log.Printf("[ZarrSink] Staging in %s (labels %s)", staging, s.labelType)
	return nil
}

func (s *ZarrSink) WriteLevel(ctx context.Context, buf *LevelBuffers) error {
	z := buf.Level
	var labelBytes []byte
	if s.labelType == "uint16" {
		narrow := make([]uint16, len(buf.Labels))
		for i, v := range buf.Labels {
			narrow[i] = uint16(v)
		}
		labelBytes = zarr.AsBytes(narrow)
	} else {
		labelBytes = zarr.AsBytes(buf.Labels)
	}
	if err := s.labels.WriteLevel(ctx, z, labelBytes); err != nil {
		return &LevelError{Level: z, Phase: PhaseWrite, Err: fmt.Errorf("labels: %w", err)}
	}
	if err := s.image.WriteLevel(ctx, z, zarr.AsBytes(buf.Intensity)); err != nil {
		return &LevelError{Level: z, Phase: PhaseWrite, Err: fmt.Errorf("image: %w", err)}
	}

	level := strconv.Itoa(z)
	for _, ms := range []*zarr.Multiscale{s.labels, s.image} {
		rel := path.Join(filepath.Base(ms.Path()), level)
		if err := s.opts.Publisher.PublishDir(ctx, zarr.LevelPath(ms.Path(), z), rel); err != nil {
			return &LevelError{Level: z, Phase: PhasePublish, Err: err}
		}
	}
	return nil
}

func (s *ZarrSink) Finalize(ctx context.Context, stats []LevelStats) error {
	defer os.RemoveAll(s.staging)

	summary := filepath.Join(s.staging, SummaryName)
	data, err := json.MarshalIndent(struct {
		LabelDataType string       `json:"label_data_type"`
		Levels        []LevelStats `json:"levels"`
	}{s.labelType, stats}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(summary, data, 0o644); err != nil {
		return err
	}
	if err := s.opts.Publisher.PublishFile(ctx, summary, SummaryName); err != nil {
		return err
	}

	for _, ms := range []*zarr.Multiscale{s.labels, s.image} {
		if err := ms.Finalize(); err != nil {
			return err
		}
		name := filepath.Base(ms.Path())
		if err := s.opts.Publisher.PublishFile(ctx, filepath.Join(ms.Path(), "zarr.json"), path.Join(name, "zarr.json")); err != nil {
			return err
		}
	}
	log.Printf("[ZarrSink] Published %s and %s", s.opts.LabelName, s.opts.ImageName)
	return nil
}

// Abort removes the staging area. Levels already published stay in place but
// the group metadata is not, so readers do not see a finished image.
func (s *ZarrSink) Abort() {
	if s.staging != "" {
		os.RemoveAll(s.staging)
	}
}
