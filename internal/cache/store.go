package cache

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/froggieframe/pi-frame/internal/logging"
	"github.com/froggieframe/pi-frame/internal/metrics"
)

var errReadOnly = errors.New("cache opened read-only")

// record is the in-memory form of a manifest entry. entry.LastAccess is not
// used; lastAccess holds the live value and persisted the value last written
// to the manifest.
type record struct {
	entry      Entry
	lastAccess atomic.Int64
	persisted  int64 // guarded by Store.mu (write)
}

func newRecord(e Entry) *record {
	r := &record{entry: e}
	stamp := e.LastAccess.UnixNano()
	r.lastAccess.Store(stamp)
	r.persisted = stamp
	return r
}

func (r *record) snapshot(dir string) Entry {
	e := r.entry
	e.Streams = append([]string(nil), r.entry.Streams...)
	e.LastAccess = time.Unix(0, r.lastAccess.Load())
	e.LocalPath = filepath.Join(dir, e.FileName)
	return e
}

// Option configures a Store.
type Option func(*options)

type options struct {
	now         func() time.Time
	openTimeout time.Duration
	readOnly    bool
}

// WithClock sets the time source used for access stamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithOpenTimeout bounds how long New waits for the manifest lock held by
// another process.
func WithOpenTimeout(d time.Duration) Option {
	return func(o *options) { o.openTimeout = d }
}

// ReadOnly opens the store for inspection. No recovery sweep runs and every
// mutation fails.
func ReadOnly() Option {
	return func(o *options) { o.readOnly = true }
}

// Store is the bounded photo cache. Put, Remove and eviction serialize on a
// single writer lock; Get only takes the read lock long enough to resolve
// the path, so reads proceed while a writer works on other entries.
type Store struct {
	dir      string
	maxSize  int64 // <= 0 disables budget enforcement
	readOnly bool
	now      func() time.Time
	manifest *manifest

	mu      sync.RWMutex
	entries map[string]*record
	size    int64
}

// New opens the cache in dir, creating it if needed, and recovers from any
// interrupted previous run: temp files and files without a manifest entry
// are deleted, manifest entries without matching bytes are dropped, and the
// budget is enforced once.
func New(dir string, maxSize int64, opts ...Option) (*Store, error) {
	o := options{now: time.Now, openTimeout: 2 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Store{
		dir:      dir,
		maxSize:  maxSize,
		readOnly: o.readOnly,
		now:      o.now,
		entries:  make(map[string]*record),
	}

	path := filepath.Join(dir, manifestFile)
	if o.readOnly {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
	} else if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	m, err := openManifest(path, o.openTimeout, o.readOnly)
	if err != nil {
		return nil, err
	}
	s.manifest = m

	if err := s.recover(); err != nil {
		m.close()
		return nil, err
	}
	return s, nil
}

func (s *Store) recover() error {
	stored, err := s.manifest.load()
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}

	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read cache dir: %w", err)
	}
	onDisk := make(map[string]int64, len(dirents))
	for _, d := range dirents {
		if d.IsDir() || d.Name() == manifestFile {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		onDisk[d.Name()] = info.Size()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	referenced := make(map[string]bool, len(stored))
	var dangling []string
	for id, e := range stored {
		size, ok := onDisk[e.FileName]
		if e.FileName == "" || !ok || size != e.Size {
			dangling = append(dangling, id)
			continue
		}
		s.entries[id] = newRecord(e)
		s.size += e.Size
		referenced[e.FileName] = true
	}

	if s.readOnly {
		return nil
	}

	if len(dangling) > 0 {
		sort.Strings(dangling)
		logging.Warn("dropping manifest entries without matching files", logging.Strings("ids", dangling))
		if err := s.manifest.apply(nil, dangling); err != nil {
			return fmt.Errorf("drop dangling entries: %w", err)
		}
	}

	orphans := 0
	for name := range onDisk {
		if referenced[name] {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err == nil {
			orphans++
		}
	}
	if orphans > 0 {
		logging.Info("removed orphaned cache files", logging.Int("count", orphans))
	}

	if s.maxSize > 0 {
		if _, err := s.evictLocked(s.maxSize, nil); err != nil {
			return err
		}
	}
	s.publishUsageLocked()
	return nil
}

// sourceReader remembers read errors so Put can tell a failing source apart
// from a failing disk.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		s.err = err
	}
	return n, err
}

// Put stores the bytes read from r under id and then evicts least recently
// accessed entries until the cache fits its budget. The bytes go to a temp
// file that is renamed into place before the manifest is updated, so a
// failed or interrupted Put leaves the manifest as it was.
//
// Filesystem failures are returned as *DiskWriteError. A photo bigger than
// the whole budget is admitted, evicted again, and reported with ErrTooLarge.
// When opts.Keep is set, the entries it protects are never evicted for this
// photo; if the photo cannot fit around them it is not stored and Put
// returns ErrNoRoom.
func (s *Store) Put(id string, r io.Reader, opts PutOptions) (Entry, error) {
	if id == "" {
		return Entry{}, errors.New("cache put: empty id")
	}
	if s.readOnly {
		return Entry{}, errReadOnly
	}

	tmp, err := os.CreateTemp(s.dir, ".put-*.tmp")
	if err != nil {
		return Entry{}, &DiskWriteError{Op: "create", Path: s.dir, Err: err}
	}
	tmpPath := tmp.Name()

	src := &sourceReader{r: r}
	written, err := io.Copy(tmp, src)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		if src.err != nil {
			return Entry{}, fmt.Errorf("cache put %s: read source: %w", id, src.err)
		}
		return Entry{}, &DiskWriteError{Op: "write", Path: tmpPath, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if opts.Keep != nil && s.maxSize > 0 && written <= s.maxSize && !s.fitsLocked(id, written, opts.Keep) {
		os.Remove(tmpPath)
		return Entry{}, fmt.Errorf("%w: %s needs %d bytes", ErrNoRoom, id, written)
	}

	name := fileName(id, opts.ContentType)
	final := filepath.Join(s.dir, name)
	if err := os.Rename(tmpPath, final); err != nil {
		os.Remove(tmpPath)
		return Entry{}, &DiskWriteError{Op: "rename", Path: final, Err: err}
	}

	now := s.now()
	e := Entry{
		ID:          id,
		FileName:    name,
		Size:        written,
		LastAccess:  now,
		AddedAt:     now,
		ContentType: opts.ContentType,
	}
	prev := s.entries[id]
	if prev != nil {
		e.AddedAt = prev.entry.AddedAt
		e.Streams = append(e.Streams, prev.entry.Streams...)
	}
	e.Streams = addStream(e.Streams, opts.StreamID)
	rec := newRecord(e)

	if err := s.commitLocked([]*record{rec}, nil); err != nil {
		os.Remove(final)
		if prev != nil && prev.entry.FileName == name {
			// The rename replaced the previous bytes, so the old entry is gone too.
			s.dropLocked(id)
		}
		return Entry{}, &DiskWriteError{Op: "commit", Path: filepath.Join(s.dir, manifestFile), Err: err}
	}

	if prev != nil {
		s.size -= prev.entry.Size
		if prev.entry.FileName != name {
			os.Remove(filepath.Join(s.dir, prev.entry.FileName))
		}
	}
	s.entries[id] = rec
	s.size += written

	if s.maxSize > 0 && written > s.maxSize {
		// A photo that can never fit goes first, so it does not flush the
		// rest of the cache on its way out.
		if err := s.commitLocked(nil, []string{id}); err != nil {
			s.publishUsageLocked()
			return rec.snapshot(s.dir), &DiskWriteError{Op: "evict", Path: filepath.Join(s.dir, manifestFile), Err: err}
		}
		s.dropFileLocked(id)
		metrics.RecordEviction()
		s.publishUsageLocked()
		return e, fmt.Errorf("%w: %s is %d bytes, budget is %d", ErrTooLarge, id, written, s.maxSize)
	}

	if s.maxSize > 0 {
		_, err = s.evictLocked(s.maxSize, opts.Keep)
	}
	s.publishUsageLocked()
	if err != nil {
		return rec.snapshot(s.dir), err
	}
	return rec.snapshot(s.dir), nil
}

// fitsLocked reports whether size bytes stored under id fit the budget once
// every entry keep does not protect has been evicted.
func (s *Store) fitsLocked(id string, size int64, keep func(id string) bool) bool {
	total := size
	for other, r := range s.entries {
		if other != id && keep(other) {
			total += r.entry.Size
		}
	}
	return total <= s.maxSize
}

// Get returns the bytes cached for id and marks it as accessed now, which is
// the recency signal eviction orders by.
func (s *Store) Get(id string) ([]byte, error) {
	s.mu.RLock()
	rec, ok := s.entries[id]
	var path string
	if ok {
		path = filepath.Join(s.dir, rec.entry.FileName)
		rec.lastAccess.Store(s.now().UnixNano())
	}
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		// Removed between the lookup and the read.
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read cached %s: %w", id, err)
	}
	return data, nil
}

// Remove deletes id from the manifest and then its file. Removing an id
// that is not cached is a no-op.
func (s *Store) Remove(id string) error {
	if s.readOnly {
		return errReadOnly
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return nil
	}
	if err := s.commitLocked(nil, []string{id}); err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	s.dropFileLocked(id)
	s.publishUsageLocked()
	return nil
}

// AddStream records that streamID references id.
func (s *Store) AddStream(id, streamID string) error {
	if s.readOnly {
		return errReadOnly
	}
	if streamID == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	if rec.entry.InStream(streamID) {
		return nil
	}

	prevStreams := rec.entry.Streams
	rec.entry.Streams = addStream(append([]string(nil), prevStreams...), streamID)
	if err := s.commitLocked([]*record{rec}, nil); err != nil {
		rec.entry.Streams = prevStreams
		return fmt.Errorf("tag %s: %w", id, err)
	}
	return nil
}

// EvictUntilUnderBudget removes entries in order of oldest access (ties
// broken by lower id) until the total size is at most targetBytes or the
// cache is empty. It returns the evicted ids in eviction order.
func (s *Store) EvictUntilUnderBudget(targetBytes int64) ([]string, error) {
	if s.readOnly {
		return nil, errReadOnly
	}
	if targetBytes < 0 {
		targetBytes = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted, err := s.evictLocked(targetBytes, nil)
	s.publishUsageLocked()
	return evicted, err
}

// evictLocked evicts in LRU order until the cache fits target. Entries keep
// reports true for are passed over; keep may be nil.
func (s *Store) evictLocked(target int64, keep func(id string) bool) ([]string, error) {
	if s.size <= target {
		return nil, nil
	}

	candidates := make([]*record, 0, len(s.entries))
	for id, r := range s.entries {
		if keep != nil && keep(id) {
			continue
		}
		candidates = append(candidates, r)
	}
	sort.Slice(candidates, func(i, j int) bool {
		ai, aj := candidates[i].lastAccess.Load(), candidates[j].lastAccess.Load()
		if ai != aj {
			return ai < aj
		}
		return candidates[i].entry.ID < candidates[j].entry.ID
	})

	var victims []string
	remaining := s.size
	for _, r := range candidates {
		if remaining <= target {
			break
		}
		victims = append(victims, r.entry.ID)
		remaining -= r.entry.Size
	}

	if err := s.commitLocked(nil, victims); err != nil {
		return nil, &DiskWriteError{Op: "evict", Path: filepath.Join(s.dir, manifestFile), Err: err}
	}
	for _, id := range victims {
		size := s.entries[id].entry.Size
		s.dropFileLocked(id)
		metrics.RecordEviction()
		logging.Debug("evicted photo", logging.String("id", id), logging.Int64("size", size))
	}
	return victims, nil
}

// commitLocked writes puts and deletes to the manifest together with any
// access stamps that changed since the last write.
func (s *Store) commitLocked(puts []*record, deletes []string) error {
	skip := make(map[string]bool, len(puts)+len(deletes))
	for _, r := range puts {
		skip[r.entry.ID] = true
	}
	for _, id := range deletes {
		skip[id] = true
	}

	all := append([]*record(nil), puts...)
	for id, r := range s.entries {
		if !skip[id] && r.lastAccess.Load() != r.persisted {
			all = append(all, r)
		}
	}

	entries := make([]Entry, len(all))
	stamps := make([]int64, len(all))
	for i, r := range all {
		stamps[i] = r.lastAccess.Load()
		e := r.entry
		e.LastAccess = time.Unix(0, stamps[i])
		entries[i] = e
	}

	if err := s.manifest.apply(entries, deletes); err != nil {
		return err
	}
	for i, r := range all {
		r.persisted = stamps[i]
	}
	return nil
}

// dropLocked forgets id after its bytes are already gone.
func (s *Store) dropLocked(id string) {
	rec, ok := s.entries[id]
	if !ok {
		return
	}
	if err := s.manifest.apply(nil, []string{id}); err != nil {
		logging.Warn("failed to drop manifest entry", logging.String("id", id), logging.Err(err))
	}
	s.size -= rec.entry.Size
	delete(s.entries, id)
}

// dropFileLocked forgets id and deletes its file; the manifest entry must
// already be gone.
func (s *Store) dropFileLocked(id string) {
	rec := s.entries[id]
	s.size -= rec.entry.Size
	delete(s.entries, id)
	if err := os.Remove(filepath.Join(s.dir, rec.entry.FileName)); err != nil && !errors.Is(err, os.ErrNotExist) {
		// The orphan is swept on the next open.
		logging.Warn("failed to delete cached file", logging.String("id", id), logging.Err(err))
	}
}

func (s *Store) publishUsageLocked() {
	metrics.SetCacheUsage(s.size, len(s.entries))
}

// Clear removes every cached photo and resets the manifest.
func (s *Store) Clear() (int, error) {
	if s.readOnly {
		return 0, errReadOnly
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.manifest.clear(); err != nil {
		return 0, fmt.Errorf("clear manifest: %w", err)
	}
	count := len(s.entries)
	for id := range s.entries {
		s.dropFileLocked(id)
	}
	s.size = 0
	s.publishUsageLocked()
	return count, nil
}

// Manifest returns the cached ids in ascending order.
func (s *Store) Manifest() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Has returns true if id is cached.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[id]
	return ok
}

// Entry returns a snapshot of the entry for id.
func (s *Store) Entry(id string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.entries[id]
	if !ok {
		return Entry{}, false
	}
	return rec.snapshot(s.dir), true
}

// Entries returns snapshots of all entries ordered by id.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.entries))
	for _, rec := range s.entries {
		out = append(out, rec.snapshot(s.dir))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TotalSize returns the bytes currently cached.
func (s *Store) TotalSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Stats returns cache statistics.
func (s *Store) Stats() (size, maxSize int64, count int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size, s.maxSize, len(s.entries)
}

// Dir returns the cache directory path.
func (s *Store) Dir() string {
	return s.dir
}

// RecordSync persists the time of the last completed reconcile.
func (s *Store) RecordSync(t time.Time) error {
	if s.readOnly {
		return errReadOnly
	}
	return s.manifest.setLastSync(t)
}

// LastSync returns the time of the last completed reconcile, or the zero
// time if none was recorded.
func (s *Store) LastSync() (time.Time, error) {
	if s.manifest == nil {
		return time.Time{}, nil
	}
	return s.manifest.lastSync()
}

// Close flushes pending access stamps and closes the manifest.
func (s *Store) Close() error {
	if s.manifest == nil {
		return nil
	}
	if !s.readOnly {
		s.mu.Lock()
		if err := s.commitLocked(nil, nil); err != nil {
			logging.Warn("failed to flush access times", logging.Err(err))
		}
		s.mu.Unlock()
	}
	return s.manifest.close()
}

func addStream(streams []string, streamID string) []string {
	if streamID == "" {
		return streams
	}
	for _, s := range streams {
		if s == streamID {
			return streams
		}
	}
	return append(streams, streamID)
}
