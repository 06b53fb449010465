// Package display captures map screenshots of a single aircraft using a
// headless Chrome session pointed at the receiver's web map.
package display

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/unklstewy/aboveme/pkg/config"
)

// ErrNotFound is returned when the map does not list the requested aircraft.
var ErrNotFound = errors.New("aircraft not on map")

// Screenshot is a PNG capture of the map.
type Screenshot struct {
	PNG    []byte
	Width  int
	Height int
}

// mapKind holds the page specifics of one map UI.
type mapKind struct {
	// ready is visible once the page has loaded
	ready string
	// setup is clicked, in order and only if present, after load
	setup []string
	// row returns the XPath of the aircraft's table row
	row func(hex string) string
	// showOnMap is clicked after the row when non-empty
	showOnMap string
}

var kinds = map[string]mapKind{
	"dump1090": {
		ready: `#dump1090_version`,
		setup: []string{`//*[contains(@title,"Reset Map")]`, `//*[contains(@class,"ol-zoom-in")] | //*[@title="Zoom in"]`},
		row:   func(hex string) string { return fmt.Sprintf(`//tr[@id='%s']`, strings.ToLower(hex)) },
	},
	"vrs": {
		ready:     `.vrsMenu`,
		row:       func(hex string) string { return fmt.Sprintf(`//tr[@id='%s']`, hex) },
		showOnMap: `//a[text()='Show on map']`,
	},
}

// NormalizeHex strips the spaces and the "~" prefix that marks non-ICAO
// addresses in dump1090.
func NormalizeHex(hex string) string {
	return strings.NewReplacer(" ", "", "~", "").Replace(hex)
}

// Browser drives one long-lived headless Chrome session.
type Browser struct {
	cfg    config.DisplayConfig
	crop   config.CropConfig
	kind   mapKind
	logger *slog.Logger

	mu          sync.Mutex
	ctx         context.Context
	cancelAlloc context.CancelFunc
	cancelCtx   context.CancelFunc
}

// New creates a browser for the configured map. Call Start before capturing.
func New(cfg config.DisplayConfig, crop config.CropConfig, logger *slog.Logger) (*Browser, error) {
	kind, ok := kinds[mapType(cfg.Type)]
	if !ok {
		return nil, fmt.Errorf("unknown display type %q (want dump1090 or vrs)", cfg.Type)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Browser{cfg: cfg, crop: crop, kind: kind, logger: logger}, nil
}

func mapType(t string) string {
	switch strings.ToLower(t) {
	case "", "dump1090", "tar1090", "skyaware", "readsb":
		return "dump1090"
	default:
		return strings.ToLower(t)
	}
}

// Start launches Chrome and loads the map.
func (b *Browser) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.start(ctx)
}

func (b *Browser) start(ctx context.Context) error {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(b.cfg.ImageWidth, b.cfg.ImageHeight),
	)
	if b.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(b.cfg.ExecPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, cancelCtx := chromedp.NewContext(allocCtx)

	// The browser lives as long as the context of the first Run, so
	// allocate it before any timeout-bounded call.
	if err := chromedp.Run(browserCtx); err != nil {
		cancelCtx()
		cancelAlloc()
		return fmt.Errorf("start chrome: %w", err)
	}

	b.logger.Info("loading map", "url", b.cfg.URL)
	actions := []chromedp.Action{
		chromedp.Navigate(b.cfg.URL),
		chromedp.WaitVisible(b.kind.ready, chromedp.ByQuery),
	}
	for _, sel := range b.kind.setup {
		actions = append(actions, clickIfPresent(sel))
	}

	if err := b.run(ctx, browserCtx, actions...); err != nil {
		cancelCtx()
		cancelAlloc()
		return fmt.Errorf("load map %s: %w", b.cfg.URL, err)
	}

	b.ctx, b.cancelAlloc, b.cancelCtx = browserCtx, cancelAlloc, cancelCtx
	return nil
}

// Reload closes the browser and loads the map again.
func (b *Browser) Reload(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stop()
	return b.start(ctx)
}

// CaptureForHex selects the aircraft on the map and takes a screenshot.
func (b *Browser) CaptureForHex(ctx context.Context, hex string) (*Screenshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		return nil, errors.New("browser not started")
	}

	row := b.kind.row(NormalizeHex(hex))
	var nodes []*cdp.Node
	if err := b.run(ctx, b.ctx, chromedp.Nodes(row, &nodes, chromedp.BySearch, chromedp.AtLeast(0))); err != nil {
		return nil, fmt.Errorf("find %s: %w", hex, err)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hex)
	}

	actions := []chromedp.Action{chromedp.MouseClickNode(nodes[0])}
	if b.kind.showOnMap != "" {
		actions = append(actions, chromedp.Click(b.kind.showOnMap, chromedp.BySearch))
	}
	actions = append(actions, chromedp.Sleep(b.cfg.Settle()))

	shot := &Screenshot{Width: b.cfg.ImageWidth, Height: b.cfg.ImageHeight}
	if clip := ClipFor(b.crop); clip != nil {
		shot.Width, shot.Height = b.crop.Width, b.crop.Height
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			buf, err := page.CaptureScreenshot().
				WithFormat(page.CaptureScreenshotFormatPng).
				WithClip(clip).
				Do(ctx)
			shot.PNG = buf
			return err
		}))
	} else {
		actions = append(actions, chromedp.CaptureScreenshot(&shot.PNG))
	}

	if err := b.run(ctx, b.ctx, actions...); err != nil {
		return nil, fmt.Errorf("capture %s: %w", hex, err)
	}
	b.logger.Info("captured screenshot", "hex", hex, "bytes", len(shot.PNG))
	return shot, nil
}

// Close shuts Chrome down.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stop()
	return nil
}

func (b *Browser) stop() {
	if b.cancelCtx != nil {
		b.cancelCtx()
	}
	if b.cancelAlloc != nil {
		b.cancelAlloc()
	}
	b.ctx, b.cancelCtx, b.cancelAlloc = nil, nil, nil
}

// run executes actions on the browser context, bounded by the configured
// timeout and by the caller's ctx.
func (b *Browser) run(ctx, browserCtx context.Context, actions ...chromedp.Action) error {
	timeout := b.cfg.Timeout()
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	runCtx, cancel := context.WithTimeout(browserCtx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

// clickIfPresent clicks the first node matching an XPath, if there is one.
func clickIfPresent(xpath string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		var nodes []*cdp.Node
		if err := chromedp.Nodes(xpath, &nodes, chromedp.BySearch, chromedp.AtLeast(0)).Do(ctx); err != nil {
			return err
		}
		if len(nodes) == 0 {
			return nil
		}
		return chromedp.MouseClickNode(nodes[0]).Do(ctx)
	})
}

// ClipFor returns the screenshot clip for crop, or nil when cropping is off.
func ClipFor(crop config.CropConfig) *page.Viewport {
	if !crop.Enabled || crop.Width <= 0 || crop.Height <= 0 {
		return nil
	}
	return &page.Viewport{
		X:      float64(crop.X),
		Y:      float64(crop.Y),
		Width:  float64(crop.Width),
		Height: float64(crop.Height),
		Scale:  1,
	}
}

// Nop is used when screenshots are disabled.
type Nop struct{}

// CaptureForHex always returns no screenshot.
func (Nop) CaptureForHex(context.Context, string) (*Screenshot, error) { return nil, nil }

// Reload does nothing.
func (Nop) Reload(context.Context) error { return nil }
