package render

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/seal-mosaic/server/internal/mosaic"
	"github.com/seal-mosaic/server/internal/publish"
)

// Preview file names, relative to the output root.
const (
	LabelPreviewName = "preview_labels.png"
	ImagePreviewName = "preview_image.png"
)

// PreviewSink wraps a mosaic sink and renders the top level as PNG previews
// once the wrapped sink has finalized.
type PreviewSink struct {
	Next      mosaic.Sink
	Renderer  *Renderer
	Publisher publish.Publisher
	// StagingDir holds the PNGs before they are published. It should be on
	// the same filesystem as a local output root. Empty uses os.TempDir.
	StagingDir string

	plan      mosaic.Plan
	labels    []uint32
	intensity []uint16
}

func (s *PreviewSink) Begin(ctx context.Context, plan mosaic.Plan) error {
	s.plan = plan
	s.labels, s.intensity = nil, nil
	return s.Next.Begin(ctx, plan)
}

func (s *PreviewSink) WriteLevel(ctx context.Context, buf *mosaic.LevelBuffers) error {
	if err := s.Next.WriteLevel(ctx, buf); err != nil {
		return err
	}
	if buf.Level == len(s.plan.Shapes)-1 {
		s.labels = append([]uint32(nil), buf.Labels...)
		s.intensity = append([]uint16(nil), buf.Intensity...)
	}
	return nil
}

func (s *PreviewSink) Finalize(ctx context.Context, stats []mosaic.LevelStats) error {
	if err := s.Next.Finalize(ctx, stats); err != nil {
		return err
	}
	if s.labels == nil {
		return nil
	}
	top := s.plan.Shapes[len(s.plan.Shapes)-1]

	labelPNG, err := s.Renderer.RenderLabels(s.labels, top)
	if err != nil {
		return fmt.Errorf("failed to render label preview: %w", err)
	}
	imagePNG, err := s.Renderer.RenderIntensity(s.intensity, s.plan.Channels, top)
	if err != nil {
		return fmt.Errorf("failed to render image preview: %w", err)
	}
	s.labels, s.intensity = nil, nil

	dir, err := os.MkdirTemp(s.StagingDir, ".preview-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	for name, data := range map[string][]byte{LabelPreviewName: labelPNG, ImagePreviewName: imagePNG} {
		local := filepath.Join(dir, name)
		if err := os.WriteFile(local, data, 0o644); err != nil {
			return err
		}
		if err := s.Publisher.PublishFile(ctx, local, name); err != nil {
			return fmt.Errorf("failed to publish %s: %w", name, err)
		}
	}
	log.Printf("[Preview] Rendered level %d (%v)", len(s.plan.Shapes)-1, top)
	return nil
}

func (s *PreviewSink) Abort() {
	s.labels, s.intensity = nil, nil
	s.Next.Abort()
}
