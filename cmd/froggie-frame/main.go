// Froggie photo frame device client.
//
// Keeps a local cache of the photos assigned to this frame in sync with the
// remote catalog and shows them as a full-screen slideshow.
//
// Sub-commands:
//
//	froggie-frame start [flags]     Sync and run the slideshow (default)
//	froggie-frame sync              Run one sync and exit
//	froggie-frame status            Show cache status
//	froggie-frame clear-cache       Remove all cached photos
//	froggie-frame test-display      Show a test pattern, no network needed
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/froggieframe/pi-frame/internal/cache"
	"github.com/froggieframe/pi-frame/internal/catalog"
	"github.com/froggieframe/pi-frame/internal/config"
	"github.com/froggieframe/pi-frame/internal/display"
	"github.com/froggieframe/pi-frame/internal/events"
	"github.com/froggieframe/pi-frame/internal/logging"
	"github.com/froggieframe/pi-frame/internal/metrics"
	"github.com/froggieframe/pi-frame/internal/syncer"
	"github.com/froggieframe/pi-frame/internal/updates"
)

func main() {
	cmd, args := "start", os.Args[1:]
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "start":
		err = cmdStart(args)
	case "sync":
		err = cmdSync(args)
	case "status":
		cmdStatus(args)
	case "clear-cache":
		err = cmdClearCache(args)
	case "test-display":
		err = cmdTestDisplay(args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
	// Commands return instead of exiting so their deferred cleanup runs.
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: froggie-frame <command> [flags]

Commands:
  start         Sync and run the slideshow (default)
  sync          Run one sync and exit
  status        Show cache status
  clear-cache   Remove all cached photos
  test-display  Show a test pattern without network access

Run 'froggie-frame <command> -h' for the flags of a command.
`)
}

// settingFlags are the flags that override configuration values. Only flags
// given on the command line take effect.
type settingFlags struct {
	fs *flag.FlagSet

	configPath      *string
	apiURL          *string
	apiKey          *string
	streamID        *string
	interval        *int
	transition      *string
	shuffle         *bool
	maxCacheMB      *int64
	supabaseURL     *string
	supabaseAnonKey *string
	logLevel        *string
}

func addSettingFlags(fs *flag.FlagSet) *settingFlags {
	return &settingFlags{
		fs:              fs,
		configPath:      fs.String("config", "", "Config file (default ~/.froggie-frame/config.json, or FROGGIE_CONFIG)"),
		apiURL:          fs.String("api-url", "", "Photo service URL"),
		apiKey:          fs.String("api-key", "", "Stream API key"),
		streamID:        fs.String("stream-id", "", "Stream to display"),
		interval:        fs.Int("interval", 0, "Seconds each photo is shown"),
		transition:      fs.String("transition", "", "Transition effect: fade or cut"),
		shuffle:         fs.Bool("shuffle", true, "Show photos in random order"),
		maxCacheMB:      fs.Int64("max-cache-mb", 0, "Cache size limit in MB"),
		supabaseURL:     fs.String("supabase-url", "", "Realtime service URL"),
		supabaseAnonKey: fs.String("supabase-anon-key", "", "Realtime service key"),
		logLevel:        fs.String("log-level", "", "Log level: debug, info, warn, error"),
	}
}

func (f *settingFlags) overrides() []config.Override {
	var out []config.Override
	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "api-url":
			out = append(out, func(c *config.Config) { c.APIURL = *f.apiURL })
		case "api-key":
			out = append(out, func(c *config.Config) { c.APIKey = *f.apiKey })
		case "stream-id":
			out = append(out, func(c *config.Config) { c.StreamID = *f.streamID })
		case "interval":
			out = append(out, func(c *config.Config) { c.SlideshowInterval = *f.interval })
		case "transition":
			out = append(out, func(c *config.Config) { c.TransitionEffect = *f.transition })
		case "shuffle":
			out = append(out, func(c *config.Config) { c.Shuffle = *f.shuffle })
		case "max-cache-mb":
			out = append(out, func(c *config.Config) { c.MaxCacheSizeMB = *f.maxCacheMB })
		case "supabase-url":
			out = append(out, func(c *config.Config) { c.SupabaseURL = *f.supabaseURL })
		case "supabase-anon-key":
			out = append(out, func(c *config.Config) { c.SupabaseAnonKey = *f.supabaseAnonKey })
		case "log-level":
			out = append(out, func(c *config.Config) { c.LogLevel = *f.logLevel })
		}
	})
	return out
}

// load reads the configuration and starts logging. Warnings collected while
// loading are logged once the logger is up.
func (f *settingFlags) load() *config.Config {
	cfg, err := config.Load(*f.configPath, f.overrides()...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: init logging: %v\n", err)
		os.Exit(1)
	}
	for _, w := range cfg.Warnings {
		logging.Warn("config", logging.String("warning", w))
	}
	return cfg
}

func validate(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w\nEdit %s or pass the values as flags", err, cfg.Path)
	}
	return nil
}

func openCache(cfg *config.Config, opts ...cache.Option) (*cache.Store, error) {
	store, err := cache.New(cfg.CacheDir, cfg.MaxCacheBytes(), opts...)
	if errors.Is(err, cache.ErrLocked) {
		return nil, fmt.Errorf("the cache at %s is in use, stop the running frame first", cfg.CacheDir)
	}
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return store, nil
}

func cmdStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	settings := addSettingFlags(fs)
	noSync := fs.Bool("no-sync", false, "Skip the sync at start-up and show the cached photos")
	output := fs.String("output", "", "Write frames to this PNG file instead of the framebuffer")
	width := fs.Int("width", 1280, "Screen width for -output")
	height := fs.Int("height", 720, "Screen height for -output")
	fs.Parse(args)

	cfg := settings.load()
	defer logging.Sync()
	if err := validate(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheme, _ := cfg.Credential()
	logging.Info("froggie-frame starting",
		logging.String("api_url", cfg.APIURL),
		logging.String("source", cfg.SourceID()),
		logging.String("credential", scheme),
		logging.String("cache_dir", cfg.CacheDir),
		logging.Int64("max_cache_mb", cfg.MaxCacheSizeMB),
		logging.Bool("realtime", cfg.RealtimeEnabled()),
	)

	store, err := openCache(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	renderer, err := openRenderer(cfg, *output, *width, *height)
	if err != nil {
		return fmt.Errorf("open display: %w", err)
	}
	defer renderer.Close()

	var wg sync.WaitGroup
	defer wg.Wait()
	if cfg.MetricsAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				logging.Warn("metrics listener failed", logging.String("addr", cfg.MetricsAddr), logging.Err(err))
			}
		}()
	}

	bus := events.NewBroadcaster()
	client := catalog.New(catalog.ConfigFrom(cfg))
	svc := syncer.New(syncer.ConfigFrom(cfg), store, client, bus)

	var listener updates.Listener
	if cfg.RealtimeEnabled() {
		listener = catalog.SubscriberFrom(cfg)
	}
	channel := updates.New(updates.ConfigFrom(cfg), svc, listener)

	var opts []display.Option
	if kb, err := display.OpenKeyboard(os.Stdin); err != nil {
		logging.Debug("keyboard input disabled", logging.Err(err))
	} else {
		defer kb.Close()
		opts = append(opts, display.WithInput(kb.Commands(ctx)))
	}
	engine := display.New(display.ConfigFrom(cfg), store, renderer, bus, opts...)

	if *noSync {
		logging.Info("skipping initial sync")
	} else {
		svc.Trigger()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := svc.Run(ctx); err != nil {
			logging.Error("sync stopped, showing cached photos only", logging.Err(err))
		}
	}()
	go func() {
		defer wg.Done()
		channel.Run(ctx)
	}()

	if err := engine.Run(ctx); err != nil {
		logging.Error("slideshow failed", logging.Err(err))
	}

	logging.Info("shutting down")
	stop()
	return nil
}

func openRenderer(cfg *config.Config, output string, width, height int) (display.Renderer, error) {
	if output != "" {
		r, err := display.NewPNGRenderer(output, width, height)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	fb, err := display.OpenFramebuffer(cfg.Framebuffer)
	if err != nil {
		return nil, err
	}
	return fb, nil
}

func cmdSync(args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	settings := addSettingFlags(fs)
	fs.Parse(args)

	cfg := settings.load()
	defer logging.Sync()
	if err := validate(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openCache(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	client := catalog.New(catalog.ConfigFrom(cfg))
	svc := syncer.New(syncer.ConfigFrom(cfg), store, client, nil)
	res, err := svc.Reconcile(ctx)
	if err != nil {
		if !client.IsOnline() {
			return fmt.Errorf("sync failed, %s is unreachable and the cache was left as is: %w", cfg.APIURL, err)
		}
		return fmt.Errorf("sync failed: %w", err)
	}

	size, _, count := store.Stats()
	fmt.Printf("Remote photos:   %d\n", res.Total)
	fmt.Printf("Downloaded:      %d\n", res.Downloaded)
	fmt.Printf("Removed:         %d\n", res.Pruned)
	if res.Failed > 0 {
		fmt.Printf("Failed:          %d\n", res.Failed)
	}
	if res.Skipped > 0 {
		fmt.Printf("Too large:       %d\n", res.Skipped)
	}
	if res.Deferred > 0 {
		fmt.Printf("No room:         %d\n", res.Deferred)
	}
	fmt.Printf("Cached:          %d photos, %s\n", count, formatMB(size))
	return nil
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	settings := addSettingFlags(fs)
	fs.Parse(args)

	cfg := settings.load()
	defer logging.Sync()

	fmt.Printf("Config:          %s\n", cfg.Path)
	fmt.Printf("Source:          %s\n", orNone(cfg.SourceID()))
	fmt.Printf("Cache directory: %s\n", cfg.CacheDir)

	store, err := cache.New(cfg.CacheDir, cfg.MaxCacheBytes(), cache.ReadOnly(), cache.WithOpenTimeout(500*time.Millisecond))
	if errors.Is(err, cache.ErrLocked) {
		fmt.Println("Cache is in use by a running frame")
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: open cache: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	size, maxSize, count := store.Stats()
	fmt.Printf("Cached photos:   %d\n", count)
	fmt.Printf("Cache size:      %s of %s\n", formatMB(size), formatMB(maxSize))

	last, err := store.LastSync()
	switch {
	case err != nil:
		fmt.Printf("Last sync:       unknown (%v)\n", err)
	case last.IsZero():
		fmt.Println("Last sync:       never")
	default:
		fmt.Printf("Last sync:       %s (%s ago)\n", last.Local().Format(time.RFC1123), time.Since(last).Round(time.Second))
	}
}

func cmdClearCache(args []string) error {
	fs := flag.NewFlagSet("clear-cache", flag.ExitOnError)
	settings := addSettingFlags(fs)
	fs.Parse(args)

	cfg := settings.load()
	defer logging.Sync()

	store, err := openCache(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.Clear()
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d cached photos from %s\n", n, cfg.CacheDir)
	return nil
}

func cmdTestDisplay(args []string) error {
	fs := flag.NewFlagSet("test-display", flag.ExitOnError)
	settings := addSettingFlags(fs)
	output := fs.String("output", "", "Write the frame to this PNG file instead of the framebuffer")
	width := fs.Int("width", 1280, "Screen width for -output")
	height := fs.Int("height", 720, "Screen height for -output")
	hold := fs.Duration("hold", 10*time.Second, "How long to keep the pattern on screen")
	fs.Parse(args)

	cfg := settings.load()
	defer logging.Sync()

	r, err := openRenderer(cfg, *output, *width, *height)
	if err != nil {
		return fmt.Errorf("open display: %w", err)
	}
	defer r.Close()

	w, h := r.Size()
	if err := display.ShowTestPattern(r, fmt.Sprintf("froggie-frame %dx%d", w, h)); err != nil {
		return err
	}
	fmt.Printf("Test pattern shown at %dx%d\n", w, h)
	if *output != "" {
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	select {
	case <-ctx.Done():
	case <-time.After(*hold):
	}
	return nil
}

func formatMB(n int64) string {
	return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
