// Package main is the entry point for one-shot mosaic builds.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/seal-mosaic/server/internal/cache"
	"github.com/seal-mosaic/server/internal/config"
	"github.com/seal-mosaic/server/internal/render"
	"github.com/seal-mosaic/server/internal/selection"
	"github.com/seal-mosaic/server/internal/service"
	"github.com/seal-mosaic/server/pkg/colormap"
)

func main() {
	configPath := flag.String("config", "config/mosaic.yaml", "Path to configuration file")
	datasetID := flag.String("dataset", "", "Dataset to build (default: data.default_dataset)")
	seed := flag.Uint64("seed", 0, "Placement order seed")
	factor := flag.Int("factor", 0, "Downscale factor between pyramid levels")
	tileSize := flag.Int("tile-size", 0, "Output chunk (tile) size")
	maxTopSize := flag.Int("max-top-size", 0, "Largest allowed side of the top level")
	compression := flag.String("compression", "", "Chunk compression: none, zstd, gzip or lz4")
	outputDir := flag.String("output", "", "Output directory")
	mode := flag.String("mode", "", "Placement mode: nonocclusive or grid")
	selectionPath := flag.String("selection", "", "JSON file with the cell IDs to place")
	preview := flag.Bool("preview", false, "Render PNG previews of the top level")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Flags override the file only when given.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "seed":
			cfg.Placement.Seed = *seed
		case "factor":
			cfg.Pyramid.DownscaleFactor = *factor
		case "tile-size":
			cfg.Pyramid.TileSize = *tileSize
		case "max-top-size":
			cfg.Pyramid.MaxTopSize = *maxTopSize
		case "compression":
			cfg.Output.Compression = *compression
		case "output":
			cfg.Output.Dir = *outputDir
		case "mode":
			cfg.Placement.Mode = *mode
		case "preview":
			cfg.Output.Preview = *preview
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	log.SetOutput(cfg.Logging.Writer())

	id := *datasetID
	if id == "" {
		id = cfg.Data.DefaultDataset
	}
	ds, ok := cfg.Data.Datasets[id]
	if !ok {
		log.Fatalf("Dataset %q is not configured", id)
	}

	var ids []int64
	if *selectionPath != "" {
		raw, err := os.ReadFile(*selectionPath)
		if err != nil {
			log.Fatalf("Failed to read selection: %v", err)
		}
		if ids, err = selection.ParseIDs(raw); err != nil {
			log.Fatalf("Failed to parse selection %s: %v", *selectionPath, err)
		}
		if len(ids) == 0 {
			log.Fatalf("Selection %s is empty", *selectionPath)
		}
	}

	cacheManager, err := cache.NewManager(cache.Config{
		ChunkEntries: cfg.Cache.ChunkEntries,
		ResultSizeMB: cfg.Cache.ResultSizeMB,
		ResultTTL:    time.Duration(cfg.Cache.ResultTTLMinutes) * time.Minute,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	if _, ok := colormap.ByName(cfg.Render.Colormap); !ok {
		log.Printf("Unknown colormap %q, using viridis", cfg.Render.Colormap)
	}
	svc := service.NewMosaicService(service.MosaicServiceConfig{
		DatasetID: id,
		Dataset:   ds,
		Pyramid:   cfg.Pyramid,
		Placement: cfg.Placement,
		Output:    cfg.Output,
		Cache:     cacheManager,
		Renderer: render.NewRenderer(render.Config{
			MaxSize:  cfg.Render.MaxSize,
			Colormap: cfg.Render.Colormap,
			Channel:  cfg.Render.Channel,
		}),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("Building mosaic for dataset %s into %s (seed %d, mode %s)",
		id, cfg.Output.Dir, cfg.Placement.Seed, cfg.Placement.Mode)
	out, err := svc.Build(ctx, service.BuildRequest{
		Selection:     ids,
		SelectionPath: *selectionPath,
		Seed:          cfg.Placement.Seed,
		Mode:          cfg.Placement.Mode,
		Preview:       cfg.Output.Preview,
	})
	if err != nil {
		log.Printf("Build failed: %v", err)
		stop()
		os.Exit(1)
	}

	if out.Cached {
		log.Printf("Reused earlier build in %s", out.OutputDir)
		return
	}
	if len(out.Unknown) > 0 {
		log.Printf("%s selected cells are not in the patch index", humanize.Comma(int64(len(out.Unknown))))
	}
	for _, st := range out.Result.Levels {
		fmt.Printf("level %d %dx%d accepted=%d rejected=%d missing=%d\n",
			st.Level, st.Shape.Height, st.Shape.Width, st.Accepted, st.Rejected, st.Missing)
	}
	log.Printf("Done in %v: %s cells, %d levels in %s",
		out.Result.Elapsed.Round(time.Millisecond), humanize.Comma(int64(out.CellCount)), len(out.Result.Levels), out.OutputDir)
}
