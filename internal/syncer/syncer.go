// Package syncer reconciles the local photo cache with the remote catalog.
//
// A reconcile run lists the frame's photos, prunes cached photos that are no
// longer listed, downloads the missing ones through a small worker pool and
// then tells subscribers that the cached set changed. Runs are single-flight;
// triggers that arrive during a run collapse into one follow-up run.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/froggieframe/pi-frame/internal/cache"
	"github.com/froggieframe/pi-frame/internal/catalog"
	"github.com/froggieframe/pi-frame/internal/config"
	"github.com/froggieframe/pi-frame/internal/events"
	"github.com/froggieframe/pi-frame/internal/logging"
	"github.com/froggieframe/pi-frame/internal/metrics"
)

// Run results recorded in metrics.
const (
	resultOK         = "ok"
	resultOffline    = "offline"
	resultAuthFailed = "auth_failed"
	resultDiskFull   = "disk_write_failed"
	resultCancelled  = "cancelled"
)

// Catalog is the remote side of a reconcile.
type Catalog interface {
	ListPhotos(ctx context.Context) ([]catalog.PhotoRef, error)
	Fetch(ctx context.Context, downloadURL string) (*catalog.Download, error)
	ReportSyncStatus(ctx context.Context, synced, total int, cacheBytes int64) error
}

// Store is the local side of a reconcile.
type Store interface {
	Manifest() []string
	Has(id string) bool
	Put(id string, r io.Reader, opts cache.PutOptions) (cache.Entry, error)
	Remove(id string) error
	AddStream(id, streamID string) error
	TotalSize() int64
	RecordSync(t time.Time) error
}

// State is the reconcile state.
type State int32

const (
	StateIdle State = iota
	StateReconciling
)

func (s State) String() string {
	if s == StateReconciling {
		return "reconciling"
	}
	return "idle"
}

// Result summarises one reconcile run.
type Result struct {
	RunID      string
	Total      int // photos in the remote set after filtering
	Downloaded int
	Pruned     int
	Failed     int
	Skipped    int
	Deferred   int // listed photos that do not fit next to the cached ones
	Duration   time.Duration
}

// Changed reports whether the run altered the cached set.
func (r Result) Changed() bool {
	return r.Downloaded > 0 || r.Pruned > 0
}

// Config holds reconcile settings.
type Config struct {
	SourceID           string
	MoodFilter         []string
	Workers            int
	DownloadsPerSecond float64 // 0 = unlimited
}

// ConfigFrom builds reconcile settings from the device configuration.
func ConfigFrom(c *config.Config) Config {
	return Config{
		SourceID:           c.SourceID(),
		MoodFilter:         c.MoodFilter,
		Workers:            c.DownloadWorkers,
		DownloadsPerSecond: c.DownloadsPerSecond,
	}
}

// Service runs reconciles.
type Service struct {
	cfg     Config
	store   Store
	catalog Catalog
	bus     *events.Broadcaster
	limiter *rate.Limiter
	tracer  trace.Tracer
	moods   map[string]bool
	now     func() time.Time

	runMu   sync.Mutex
	state   atomic.Int32
	trigger chan struct{}

	lastRemote []string // sorted ids of the previous run's remote set

	skipMu   sync.Mutex
	oversize map[string]bool
	deferred map[string]bool
}

// New creates a sync service. bus may be nil.
func New(cfg Config, store Store, cat Catalog, bus *events.Broadcaster) *Service {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	limit := rate.Inf
	if cfg.DownloadsPerSecond > 0 {
		limit = rate.Limit(cfg.DownloadsPerSecond)
	}

	var moods map[string]bool
	if len(cfg.MoodFilter) > 0 {
		moods = make(map[string]bool, len(cfg.MoodFilter))
		for _, m := range cfg.MoodFilter {
			moods[strings.ToLower(strings.TrimSpace(m))] = true
		}
	}

	return &Service{
		cfg:      cfg,
		store:    store,
		catalog:  cat,
		bus:      bus,
		limiter:  rate.NewLimiter(limit, 1),
		tracer:   otel.Tracer("github.com/froggieframe/pi-frame/internal/syncer"),
		moods:    moods,
		now:      time.Now,
		trigger:  make(chan struct{}, 1),
		oversize: make(map[string]bool),
		deferred: make(map[string]bool),
	}
}

// State returns the current reconcile state.
func (s *Service) State() State {
	return State(s.state.Load())
}

// Trigger requests a reconcile. It never blocks; requests made while one is
// already pending are merged into it.
func (s *Service) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run reconciles on every trigger until ctx is cancelled. An authentication
// failure stops the loop, since no later run can succeed with the same
// configuration; the error is returned.
func (s *Service) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.trigger:
			if _, err := s.Reconcile(ctx); catalog.IsAuth(err) {
				return err
			}
		}
	}
}

// Reconcile runs one reconcile. Only one runs at a time; a concurrent call
// waits for the running one to finish.
//
// A failed listing leaves the cache untouched and is returned. Failed
// downloads of single photos are logged and counted, not returned. A disk
// write failure stops the remaining downloads and is returned.
func (s *Service) Reconcile(ctx context.Context) (Result, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.state.Store(int32(StateReconciling))
	defer s.state.Store(int32(StateIdle))

	res := Result{RunID: uuid.NewString()}
	ctx = logging.WithRunID(ctx, res.RunID)
	ctx, span := s.tracer.Start(ctx, "syncer.reconcile", trace.WithAttributes(
		attribute.String("run_id", res.RunID),
		attribute.String("source_id", s.cfg.SourceID),
	))
	defer span.End()

	log := logging.WithContext(ctx)
	start := s.now()
	finish := func(result string, err error) (Result, error) {
		res.Duration = s.now().Sub(start)
		metrics.RecordSyncRun(result, res.Duration)
		span.SetAttributes(
			attribute.Int("downloaded", res.Downloaded),
			attribute.Int("pruned", res.Pruned),
			attribute.Int("failed", res.Failed),
			attribute.Int("deferred", res.Deferred),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, result)
		}
		return res, err
	}

	refs, err := s.catalog.ListPhotos(ctx)
	if err != nil {
		if catalog.IsAuth(err) {
			log.Error("photo service rejected the credential, sync stopped until the configuration changes", zap.Error(err))
			return finish(resultAuthFailed, fmt.Errorf("list photos: %w", err))
		}
		log.Error("listing photos failed, keeping the existing cache", zap.Error(err))
		return finish(resultOffline, fmt.Errorf("list photos: %w", err))
	}

	remote, order := s.remoteSet(refs)
	res.Total = len(remote)

	var toPrune, kept []string
	cached := make(map[string]bool)
	for _, id := range s.store.Manifest() {
		cached[id] = true
		if _, ok := remote[id]; ok {
			kept = append(kept, id)
		} else {
			toPrune = append(toPrune, id)
		}
	}

	// Deferred photos get another chance only once the remote set changed
	// or pruning freed space.
	if s.remoteChanged(order) || len(toPrune) > 0 {
		s.clearDeferred()
	}

	var toDownload []catalog.PhotoRef
	for _, id := range order {
		if cached[id] {
			continue
		}
		if s.isOversize(id) {
			res.Skipped++
			continue
		}
		if s.isDeferred(id) {
			res.Deferred++
			continue
		}
		toDownload = append(toDownload, remote[id])
	}

	log.Info("reconciling",
		zap.Int("remote", len(remote)),
		zap.Int("cached", len(cached)),
		zap.Int("to_download", len(toDownload)),
		zap.Int("to_prune", len(toPrune)),
	)

	// Pruning first frees budget for the downloads.
	for _, id := range toPrune {
		if err := s.store.Remove(id); err != nil {
			log.Warn("prune failed", zap.String("id", id), zap.Error(err))
			continue
		}
		res.Pruned++
		metrics.RecordPrune()
	}

	for _, id := range kept {
		if err := s.store.AddStream(id, s.cfg.SourceID); err != nil && !errors.Is(err, cache.ErrNotFound) {
			log.Warn("failed to record stream membership", zap.String("id", id), zap.Error(err))
		}
	}

	// Downloads never evict photos that are still listed, so a remote set
	// larger than the budget settles instead of churning on every run.
	keep := func(id string) bool {
		_, ok := remote[id]
		return ok
	}
	dl := s.download(ctx, log, toDownload, keep)
	res.Downloaded = dl.downloaded
	res.Failed = dl.failed
	res.Skipped += dl.skipped
	res.Deferred += dl.deferred

	s.notify(res)

	switch {
	case dl.abortErr != nil:
		log.Error("disk write failed, remaining downloads abandoned",
			zap.Error(dl.abortErr),
			zap.Bool("disk_full", cache.IsDiskFull(dl.abortErr)),
			zap.Int("downloaded", res.Downloaded),
		)
		s.report(ctx, log, remote)
		return finish(resultDiskFull, dl.abortErr)
	case ctx.Err() != nil:
		return finish(resultCancelled, ctx.Err())
	}

	if err := s.store.RecordSync(s.now()); err != nil {
		log.Warn("failed to record sync time", zap.Error(err))
	}
	s.report(ctx, log, remote)

	res, err = finish(resultOK, nil)
	log.Info("sync complete",
		zap.Int("total", res.Total),
		zap.Int("downloaded", res.Downloaded),
		zap.Int("pruned", res.Pruned),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
		zap.Int("deferred", res.Deferred),
		zap.Duration("duration", res.Duration),
	)
	return res, err
}

// remoteSet applies the mood filter and drops duplicate ids. order keeps the
// listing order for downloads.
func (s *Service) remoteSet(refs []catalog.PhotoRef) (map[string]catalog.PhotoRef, []string) {
	remote := make(map[string]catalog.PhotoRef, len(refs))
	order := make([]string, 0, len(refs))
	for _, ref := range refs {
		if s.moods != nil && !s.moods[strings.ToLower(ref.Mood)] {
			continue
		}
		if _, dup := remote[ref.ID]; dup {
			continue
		}
		remote[ref.ID] = ref
		order = append(order, ref.ID)
	}
	return remote, order
}

type downloadStats struct {
	downloaded int
	failed     int
	skipped    int
	deferred   int
	abortErr   error
}

// download fetches refs with at most cfg.Workers in flight. A disk write
// failure cancels the rest.
func (s *Service) download(parent context.Context, log *zap.Logger, refs []catalog.PhotoRef, keep func(string) bool) downloadStats {
	var stats downloadStats
	if len(refs) == 0 {
		return stats
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, s.cfg.Workers)

	for _, ref := range refs {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(ref catalog.PhotoRef) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := s.limiter.Wait(ctx); err != nil {
				return
			}

			entry, err := s.fetchOne(ctx, ref, keep)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				stats.downloaded++
				metrics.RecordDownload(entry.Size, true)
				log.Debug("downloaded photo", zap.String("id", ref.ID), zap.Int64("size", entry.Size))
			case errors.Is(err, cache.ErrTooLarge):
				stats.skipped++
				s.markOversize(ref.ID)
				log.Warn("photo larger than the whole cache, skipping", zap.String("id", ref.ID), zap.Error(err))
			case errors.Is(err, cache.ErrNoRoom):
				stats.deferred++
				s.markDeferred(ref.ID)
				log.Info("cache is full of listed photos, deferring", zap.String("id", ref.ID))
			case cache.IsDiskWrite(err):
				if stats.abortErr == nil {
					stats.abortErr = err
					cancel()
				}
			case ctx.Err() != nil:
				// Abandoned by an abort or shutdown.
			default:
				stats.failed++
				metrics.RecordDownload(0, false)
				log.Warn("download failed", zap.String("id", ref.ID), zap.String("filename", ref.Filename), zap.Error(err))
			}
		}(ref)
	}

	wg.Wait()
	return stats
}

func (s *Service) fetchOne(ctx context.Context, ref catalog.PhotoRef, keep func(string) bool) (cache.Entry, error) {
	d, err := s.catalog.Fetch(ctx, ref.DownloadURL)
	if err != nil {
		return cache.Entry{}, err
	}
	defer d.Body.Close()

	return s.store.Put(ref.ID, d.Body, cache.PutOptions{
		StreamID:    s.cfg.SourceID,
		ContentType: d.ContentType,
		Keep:        keep,
	})
}

// report sends sync status without failing the run.
func (s *Service) report(ctx context.Context, log *zap.Logger, remote map[string]catalog.PhotoRef) {
	synced := 0
	for id := range remote {
		if s.store.Has(id) {
			synced++
		}
	}
	if err := s.catalog.ReportSyncStatus(ctx, synced, len(remote), s.store.TotalSize()); err != nil {
		log.Warn("failed to report sync status", zap.Error(err))
	}
}

func (s *Service) notify(res Result) {
	if s.bus == nil || !res.Changed() {
		return
	}
	s.bus.Publish(events.MembershipChanged{
		Reason:    events.ReasonSync,
		Added:     res.Downloaded,
		Removed:   res.Pruned,
		Timestamp: s.now(),
	})
}

func (s *Service) isOversize(id string) bool {
	s.skipMu.Lock()
	defer s.skipMu.Unlock()
	return s.oversize[id]
}

func (s *Service) markOversize(id string) {
	s.skipMu.Lock()
	defer s.skipMu.Unlock()
	s.oversize[id] = true
}

func (s *Service) isDeferred(id string) bool {
	s.skipMu.Lock()
	defer s.skipMu.Unlock()
	return s.deferred[id]
}

func (s *Service) markDeferred(id string) {
	s.skipMu.Lock()
	defer s.skipMu.Unlock()
	s.deferred[id] = true
}

func (s *Service) clearDeferred() {
	s.skipMu.Lock()
	defer s.skipMu.Unlock()
	clear(s.deferred)
}

// remoteChanged records the remote set of this run and reports whether it
// differs from the previous run's. Callers hold runMu.
func (s *Service) remoteChanged(order []string) bool {
	ids := slices.Clone(order)
	slices.Sort(ids)
	changed := !slices.Equal(ids, s.lastRemote)
	s.lastRemote = ids
	return changed
}
