package watcher

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/unklstewy/aboveme/internal/metrics"
	"github.com/unklstewy/aboveme/pkg/post"
	"github.com/unklstewy/aboveme/pkg/tracking"
)

// Pipeline is the Notifier used in production: screenshot, metadata lookup,
// compose, publish. A failed screenshot still posts, without an image.
type Pipeline struct {
	display   Display
	metadata  Metadata
	composer  *post.Composer
	publisher Publisher
	altText   string
	dryRun    bool
	logger    *slog.Logger
}

// PipelineOptions wires a Pipeline. Display, Metadata and Publisher may be
// nil; Composer is required.
type PipelineOptions struct {
	Display   Display
	Metadata  Metadata
	Composer  *post.Composer
	Publisher Publisher

	// AltText describes the attached screenshot
	AltText string

	// DryRun logs the post instead of publishing it
	DryRun bool

	Logger *slog.Logger
}

// NewPipeline creates the notification pipeline.
func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	if opts.Composer == nil {
		return nil, fmt.Errorf("composer is required")
	}
	if opts.Publisher == nil && !opts.DryRun {
		return nil, fmt.Errorf("publisher is required unless dry run is enabled")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pipeline{
		display:   opts.Display,
		metadata:  opts.Metadata,
		composer:  opts.Composer,
		publisher: opts.Publisher,
		altText:   opts.AltText,
		dryRun:    opts.DryRun,
		logger:    opts.Logger,
	}, nil
}

// Notify implements Notifier.
func (p *Pipeline) Notify(ctx context.Context, ev tracking.FireEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notify %s panicked: %v", ev.Hex, r)
		}
	}()

	best := ev.Best
	log := p.logger.With("hex", ev.Hex, "ident", best.Ident(), "episode", ev.Episode)
	log.Info("time to post", "distance_mi", best.Distance, "updates", ev.Updates)

	image := p.screenshot(ctx, log, ev)
	meta := p.lookup(ctx, best)

	out := p.composer.Compose(best, meta)
	out.Image = image
	log.Info("composed post", "text", out.Text, "image", image != nil)

	if p.dryRun {
		log.Info("dry run, not publishing")
		return nil
	}

	err = p.publisher.Publish(ctx, out)
	metrics.Notification("publish", err)
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Hex, err)
	}
	return nil
}

func (p *Pipeline) screenshot(ctx context.Context, log *slog.Logger, ev tracking.FireEvent) *post.Image {
	if p.display == nil {
		return nil
	}
	shot, err := p.display.CaptureForHex(ctx, ev.Hex)
	metrics.Notification("screenshot", err)
	if err != nil {
		log.Warn("screenshot failed, posting without image", "error", err)
		return nil
	}
	if shot == nil || len(shot.PNG) == 0 {
		return nil
	}
	return &post.Image{
		Data:     shot.PNG,
		MimeType: "image/png",
		Width:    shot.Width,
		Height:   shot.Height,
		Alt:      p.altText,
	}
}

func (p *Pipeline) lookup(ctx context.Context, obs tracking.EnrichedObservation) post.Metadata {
	meta := post.Metadata{
		Registration: post.Unknown,
		AircraftType: post.Unknown,
		Operator:     post.Unknown,
		Route:        post.Unknown,
	}
	if p.metadata == nil {
		return meta
	}
	meta.Registration = p.metadata.Registration(ctx, obs.Hex)
	meta.AircraftType = p.metadata.AircraftType(ctx, obs.Hex)
	meta.Operator = p.metadata.Operator(ctx, obs.Hex)
	if ident := obs.Ident(); ident != obs.Hex {
		meta.Route = p.metadata.Route(ctx, ident)
	}
	metrics.MetadataLookup(meta.Registration != post.Unknown ||
		meta.AircraftType != post.Unknown ||
		meta.Operator != post.Unknown)
	return meta
}
