// Package display runs the slideshow: it walks the cached photos in order,
// cross-fades between them on a renderer and reacts to key presses and to
// changes in the cached set.
//
// The engine only reads bytes that are already in the cache. A photo that
// disappears between listing and reading is skipped, and an empty cache is
// shown as a message rather than treated as an error.
package display

import (
	"context"
	"image"
	"image/color"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/froggieframe/pi-frame/internal/config"
	"github.com/froggieframe/pi-frame/internal/events"
	"github.com/froggieframe/pi-frame/internal/logging"
	"github.com/froggieframe/pi-frame/internal/metrics"
)

// State is the slideshow state.
type State int32

const (
	StateLoading State = iota
	StateEmpty
	StateShowing
	StateTransitioning
	StatePaused
	StateStopped
)

var stateNames = []string{"loading", "empty", "showing", "transitioning", "paused", "stopped"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

const fadeFPS = 30

// EmptyMessage is shown while there is nothing to display.
const EmptyMessage = "Syncing photos..."

// Source is the read side of the photo cache.
type Source interface {
	Manifest() []string
	Get(id string) ([]byte, error)
}

// Config holds slideshow settings.
type Config struct {
	Interval     time.Duration
	Transition   string
	FadeDuration time.Duration
	Shuffle      bool
	SplashPath   string
}

// ConfigFrom builds slideshow settings from the device configuration.
func ConfigFrom(c *config.Config) Config {
	return Config{
		Interval:     c.Interval(),
		Transition:   c.TransitionEffect,
		FadeDuration: c.FadeDuration(),
		Shuffle:      c.Shuffle,
		SplashPath:   c.SplashPath,
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithInput delivers user commands to the engine.
func WithInput(ch <-chan Command) Option {
	return func(e *Engine) { e.input = ch }
}

// WithRand sets the shuffle source.
func WithRand(r *rand.Rand) Option {
	return func(e *Engine) { e.rng = r }
}

// Engine is the slideshow. Everything except preloading happens on the
// goroutine running Run.
type Engine struct {
	cfg      Config
	store    Source
	renderer Renderer
	bus      *events.Broadcaster
	input    <-chan Command
	rng      *rand.Rand
	cursor   *Cursor
	width    int
	height   int

	state atomic.Int32
	shown atomic.Value // id on screen, "" if none

	paused    bool
	pending   []Command // taken during a fade, handled by Run
	current   *frame
	preloaded *frame
	preloadCh chan *frame
	timer     *time.Timer
}

// New creates an engine. bus may be nil, in which case the playlist is only
// read once at start.
func New(cfg Config, store Source, r Renderer, bus *events.Broadcaster, opts ...Option) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	e := &Engine{
		cfg:       cfg,
		store:     store,
		renderer:  r,
		bus:       bus,
		preloadCh: make(chan *frame, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cursor = NewCursor(cfg.Shuffle, e.rng)
	e.width, e.height = r.Size()
	e.shown.Store("")
	return e
}

// State returns the current state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Shown returns the id of the photo on screen, or "" if none.
func (e *Engine) Shown() string {
	return e.shown.Load().(string)
}

func (e *Engine) setState(s State) {
	if State(e.state.Swap(int32(s))) != s {
		metrics.SetDisplayState(s.String(), stateNames...)
	}
}

// Run shows the slideshow until ctx is cancelled or the user quits.
func (e *Engine) Run(ctx context.Context) error {
	var changes chan events.MembershipChanged
	if e.bus != nil {
		changes = e.bus.Subscribe()
		defer e.bus.Unsubscribe(changes)
	}

	e.timer = time.NewTimer(e.cfg.Interval)
	e.timer.Stop()
	defer e.timer.Stop()

	e.setState(StateLoading)
	e.showSplash()

	e.cursor.Rebuild(e.store.Manifest())
	logging.Info("slideshow starting",
		zap.Int("photos", e.cursor.Len()),
		zap.Duration("interval", e.cfg.Interval),
		zap.String("transition", e.cfg.Transition),
		zap.Bool("shuffle", e.cfg.Shuffle),
	)
	e.showFrom(ctx, 0)

	for {
		for len(e.pending) > 0 {
			cmd := e.pending[0]
			e.pending = e.pending[1:]
			if e.handle(ctx, cmd) {
				e.setState(StateStopped)
				return nil
			}
		}

		select {
		case <-ctx.Done():
			e.setState(StateStopped)
			return nil

		case <-e.timer.C:
			e.showFrom(ctx, 1)

		case cmd, ok := <-e.input:
			if !ok {
				e.input = nil
				continue
			}
			if e.handle(ctx, cmd) {
				e.setState(StateStopped)
				return nil
			}

		case <-changes:
			e.refresh(ctx)

		case f := <-e.preloadCh:
			if next, ok := e.cursor.PeekNext(); ok && f.id == next {
				e.preloaded = f
			}
		}
	}
}

// handle applies a user command and reports whether it asks to quit.
func (e *Engine) handle(ctx context.Context, cmd Command) bool {
	logging.Debug("input", zap.Stringer("command", cmd))
	switch cmd {
	case CmdNext:
		e.showFrom(ctx, 1)
	case CmdPrev:
		e.showFrom(ctx, -1)
	case CmdPause:
		e.togglePause()
	case CmdQuit:
		return true
	}
	return false
}

// showFrom shows the photo at the cursor (dir 0) or moves the cursor in
// dir first. Photos that cannot be read are skipped; if none can, the empty
// state is shown.
func (e *Engine) showFrom(ctx context.Context, dir int) {
	n := e.cursor.Len()
	if n == 0 {
		e.showEmpty()
		return
	}

	for attempt := 0; attempt < n; attempt++ {
		var id string
		switch {
		case attempt == 0 && dir == 0:
			id, _ = e.cursor.Current()
		case dir < 0:
			id, _ = e.cursor.Prev()
		default:
			id, _ = e.cursor.Next()
		}

		f, err := e.load(id)
		if err != nil {
			logging.Warn("skipping photo", zap.String("id", id), zap.Error(err))
			continue
		}
		e.display(ctx, f)
		return
	}
	e.showEmpty()
}

func (e *Engine) load(id string) (*frame, error) {
	if e.preloaded != nil && e.preloaded.id == id {
		f := e.preloaded
		e.preloaded = nil
		return f, nil
	}
	data, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	return prepare(id, data, e.width, e.height)
}

func (e *Engine) display(ctx context.Context, f *frame) {
	prev := e.current
	if prev != nil && prev.id != f.id && e.cfg.Transition == config.TransitionFade && e.cfg.FadeDuration > 0 {
		e.setState(StateTransitioning)
		e.fade(ctx, prev.img, f.img)
	} else if err := e.renderer.Show(f.img); err != nil {
		logging.Warn("render failed", zap.String("id", f.id), zap.Error(err))
	}

	e.current = f
	e.shown.Store(f.id)
	metrics.RecordPhotoShown()
	logging.Debug("showing photo", zap.String("id", f.id), zap.Int("index", e.cursor.Index()), zap.Int("of", e.cursor.Len()))

	if e.paused {
		e.setState(StatePaused)
	} else {
		e.setState(StateShowing)
		e.timer.Reset(e.cfg.Interval)
	}
	e.preload(ctx)
}

// fade cross-blends from one frame to the next at a fixed frame rate. A
// command arriving mid-fade cuts straight to the target and is queued for Run.
func (e *Engine) fade(ctx context.Context, from, to *image.NRGBA) {
	frames := int(e.cfg.FadeDuration.Seconds() * fadeFPS)
	if frames > 1 {
		ticker := time.NewTicker(time.Second / fadeFPS)
		defer ticker.Stop()
	fading:
		for i := 1; i < frames; i++ {
			if err := e.renderer.Show(blend(from, to, float64(i)/float64(frames))); err != nil {
				logging.Warn("render failed during fade", zap.Error(err))
				break
			}
			select {
			case <-ctx.Done():
				return
			case cmd, ok := <-e.input:
				if !ok {
					e.input = nil
					continue
				}
				e.pending = append(e.pending, cmd)
				break fading
			case <-ticker.C:
			}
		}
	}
	if err := e.renderer.Show(to); err != nil {
		logging.Warn("render failed", zap.Error(err))
	}
}

// preload decodes the next photo in the background.
func (e *Engine) preload(ctx context.Context) {
	if e.cursor.Len() < 2 {
		return
	}
	next, _ := e.cursor.PeekNext()
	if e.preloaded != nil && e.preloaded.id == next {
		return
	}
	width, height := e.width, e.height
	go func() {
		data, err := e.store.Get(next)
		if err != nil {
			return
		}
		f, err := prepare(next, data, width, height)
		if err != nil {
			return
		}
		select {
		case e.preloadCh <- f:
		case <-ctx.Done():
		}
	}()
}

// refresh rebuilds the playlist after the cached set changed.
func (e *Engine) refresh(ctx context.Context) {
	changed := e.cursor.Rebuild(e.store.Manifest())
	e.preloaded = nil
	logging.Debug("playlist rebuilt", zap.Int("photos", e.cursor.Len()), zap.Bool("current_changed", changed))

	switch {
	case e.cursor.Len() == 0:
		e.showEmpty()
	case e.current == nil || changed:
		e.showFrom(ctx, 0)
	default:
		e.preload(ctx)
	}
}

func (e *Engine) togglePause() {
	e.paused = !e.paused
	if e.current == nil {
		return
	}
	if e.paused {
		e.timer.Stop()
		e.setState(StatePaused)
	} else {
		e.setState(StateShowing)
		e.timer.Reset(e.cfg.Interval)
	}
}

func (e *Engine) showEmpty() {
	e.current = nil
	e.shown.Store("")
	e.timer.Stop()
	if e.State() == StateEmpty {
		return
	}
	if err := e.renderer.Show(messageFrame(e.width, e.height, EmptyMessage)); err != nil {
		logging.Warn("render failed", zap.Error(err))
	}
	e.setState(StateEmpty)
}

// showSplash shows the boot image, or black if there is none.
func (e *Engine) showSplash() {
	if e.cfg.SplashPath != "" {
		data, err := os.ReadFile(e.cfg.SplashPath)
		if err == nil {
			if f, err := prepare("splash", data, e.width, e.height); err == nil {
				e.renderer.Show(f.img)
				return
			}
		} else if !os.IsNotExist(err) {
			logging.Debug("splash unavailable", zap.Error(err))
		}
	}
	e.renderer.Show(imaging.New(e.width, e.height, color.Black))
}

// ShowTestPattern draws colour bars and caption on r.
func ShowTestPattern(r Renderer, caption string) error {
	w, h := r.Size()
	return r.Show(testPattern(w, h, caption))
}
