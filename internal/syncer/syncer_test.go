package syncer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"reflect"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/froggieframe/pi-frame/internal/cache"
	"github.com/froggieframe/pi-frame/internal/catalog"
	"github.com/froggieframe/pi-frame/internal/events"
)

type statusReport struct {
	synced, total int
	bytes         int64
}

type fakeCatalog struct {
	mu       sync.Mutex
	photos   []catalog.PhotoRef
	data     map[string][]byte
	listErr  error
	fetchErr map[string]error
	fetches  map[string]int
	reports  []statusReport

	lists   atomic.Int32
	entered chan struct{} // receives on every ListPhotos call when set
	release chan struct{} // ListPhotos waits on it when set
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		data:     make(map[string][]byte),
		fetchErr: make(map[string]error),
		fetches:  make(map[string]int),
	}
}

// setPhotos replaces the remote list. Each photo's bytes are its id repeated.
func (f *fakeCatalog) setPhotos(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.photos = nil
	for _, id := range ids {
		url := "mem://" + id
		f.photos = append(f.photos, catalog.PhotoRef{ID: id, DownloadURL: url, Filename: id + ".jpg"})
		if _, ok := f.data[url]; !ok {
			f.data[url] = bytes.Repeat([]byte(id), 10)
		}
	}
}

func (f *fakeCatalog) ListPhotos(ctx context.Context) ([]catalog.PhotoRef, error) {
	f.lists.Add(1)
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]catalog.PhotoRef(nil), f.photos...), nil
}

func (f *fakeCatalog) Fetch(ctx context.Context, url string) (*catalog.Download, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches[url]++
	if err := f.fetchErr[url]; err != nil {
		return nil, err
	}
	return &catalog.Download{
		Body:        io.NopCloser(bytes.NewReader(f.data[url])),
		ContentType: "image/jpeg",
		Size:        int64(len(f.data[url])),
	}, nil
}

func (f *fakeCatalog) ReportSyncStatus(ctx context.Context, synced, total int, cacheBytes int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, statusReport{synced, total, cacheBytes})
	return nil
}

func (f *fakeCatalog) fetchCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches["mem://"+id]
}

func newStore(t *testing.T, max int64) *cache.Store {
	t.Helper()
	s, err := cache.New(t.TempDir(), max)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newService(store Store, cat Catalog, bus *events.Broadcaster) *Service {
	return New(Config{SourceID: "stream-1", Workers: 3}, store, cat, bus)
}

func TestReconcile_DownloadsThenPrunes(t *testing.T) {
	store := newStore(t, 1<<20)
	cat := newFakeCatalog()
	svc := newService(store, cat, nil)

	cat.setPhotos("a", "b")
	res, err := svc.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Downloaded != 2 || res.Pruned != 0 {
		t.Errorf("first run: downloaded=%d pruned=%d", res.Downloaded, res.Pruned)
	}
	if got := store.Manifest(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("manifest = %v, want [a b]", got)
	}

	cat.setPhotos("b", "c")
	res, err = svc.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Downloaded != 1 || res.Pruned != 1 {
		t.Errorf("second run: downloaded=%d pruned=%d", res.Downloaded, res.Pruned)
	}
	if got := store.Manifest(); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Errorf("manifest = %v, want [b c]", got)
	}
	if n := cat.fetchCount("b"); n != 1 {
		t.Errorf("b fetched %d times, want 1", n)
	}
}

func TestReconcile_Idempotent(t *testing.T) {
	store := newStore(t, 1<<20)
	cat := newFakeCatalog()
	cat.setPhotos("a", "b", "c")
	svc := newService(store, cat, nil)

	if _, err := svc.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	res, err := svc.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Downloaded != 0 || res.Pruned != 0 {
		t.Errorf("second run: downloaded=%d pruned=%d, want 0 and 0", res.Downloaded, res.Pruned)
	}
	if res.Changed() {
		t.Error("second run reported a change")
	}
}

func TestReconcile_OfflineKeepsCache(t *testing.T) {
	store := newStore(t, 1<<20)
	cat := newFakeCatalog()
	cat.setPhotos("a", "b")
	svc := newService(store, cat, nil)
	svc.Reconcile(context.Background())

	cat.listErr = &catalog.NetworkError{Op: "list photos", Err: errors.New("connection refused")}
	_, err := svc.Reconcile(context.Background())
	if !catalog.IsNetwork(err) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
	if got := store.Manifest(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("manifest changed while offline: %v", got)
	}
	if svc.State() != StateIdle {
		t.Errorf("state = %s, want idle", svc.State())
	}
}

func TestReconcile_PerPhotoFailureSkipped(t *testing.T) {
	store := newStore(t, 1<<20)
	cat := newFakeCatalog()
	cat.setPhotos("a", "bad", "c")
	cat.fetchErr["mem://bad"] = &catalog.NetworkError{Op: "fetch photo", Err: errors.New("timeout")}
	svc := newService(store, cat, nil)

	res, err := svc.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Downloaded != 2 || res.Failed != 1 {
		t.Errorf("downloaded=%d failed=%d, want 2 and 1", res.Downloaded, res.Failed)
	}
	if got := store.Manifest(); !reflect.DeepEqual(got, []string{"a", "c"}) {
		t.Errorf("manifest = %v, want [a c]", got)
	}

	// The next trigger retries it.
	delete(cat.fetchErr, "mem://bad")
	res, _ = svc.Reconcile(context.Background())
	if res.Downloaded != 1 {
		t.Errorf("retry run downloaded %d, want 1", res.Downloaded)
	}
}

// diskFullStore fails every Put for the given id with ENOSPC.
type diskFullStore struct {
	*cache.Store
	failID string
}

func (s *diskFullStore) Put(id string, r io.Reader, opts cache.PutOptions) (cache.Entry, error) {
	if id == s.failID {
		return cache.Entry{}, &cache.DiskWriteError{Op: "write", Path: "/cache/tmp", Err: syscall.ENOSPC}
	}
	return s.Store.Put(id, r, opts)
}

func TestReconcile_DiskFullAbortsRun(t *testing.T) {
	store := &diskFullStore{Store: newStore(t, 1<<20), failID: "b"}
	cat := newFakeCatalog()
	cat.setPhotos("a", "b", "c", "d")
	svc := New(Config{SourceID: "stream-1", Workers: 1}, store, cat, nil)

	res, err := svc.Reconcile(context.Background())
	if !cache.IsDiskWrite(err) {
		t.Fatalf("expected DiskWriteError, got %v", err)
	}
	if !cache.IsDiskFull(err) {
		t.Errorf("expected disk full, got %v", err)
	}
	if res.Downloaded != 1 {
		t.Errorf("downloaded %d, want 1", res.Downloaded)
	}
	if got := store.Manifest(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("manifest = %v, want [a]", got)
	}
	if n := cat.fetchCount("d"); n != 0 {
		t.Errorf("d fetched %d times after abort", n)
	}
	if ts, _ := store.LastSync(); !ts.IsZero() {
		t.Errorf("aborted run recorded a sync time: %v", ts)
	}
}

func TestReconcile_AuthFailureStopsRun(t *testing.T) {
	store := newStore(t, 1<<20)
	cat := newFakeCatalog()
	cat.listErr = &catalog.AuthError{Status: 401}
	svc := newService(store, cat, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	svc.Trigger()
	err := svc.Run(ctx)
	if !catalog.IsAuth(err) {
		t.Fatalf("Run returned %v, want AuthError", err)
	}
}

func TestReconcile_MoodFilter(t *testing.T) {
	store := newStore(t, 1<<20)
	cat := newFakeCatalog()
	cat.setPhotos("a", "b", "c")
	cat.photos[0].Mood = "Vibrant"
	cat.photos[1].Mood = "gloomy"
	svc := New(Config{SourceID: "s", Workers: 2, MoodFilter: []string{"vibrant", "relaxing"}}, store, cat, nil)

	res, err := svc.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Total != 1 {
		t.Errorf("total = %d, want 1", res.Total)
	}
	if got := store.Manifest(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("manifest = %v, want [a]", got)
	}
}

func TestReconcile_OversizeSkippedOnLaterRuns(t *testing.T) {
	store := newStore(t, 15) // "a" is 10 bytes, "huge" is 40
	cat := newFakeCatalog()
	cat.setPhotos("a", "huge")
	svc := newService(store, cat, nil)

	res, err := svc.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", res.Skipped)
	}

	res, _ = svc.Reconcile(context.Background())
	if n := cat.fetchCount("huge"); n != 1 {
		t.Errorf("huge fetched %d times, want 1", n)
	}
	if res.Skipped != 1 {
		t.Errorf("second run skipped = %d, want 1", res.Skipped)
	}
}

func TestReconcile_PublishesMembershipChange(t *testing.T) {
	store := newStore(t, 1<<20)
	cat := newFakeCatalog()
	cat.setPhotos("a", "b")
	bus := events.NewBroadcaster()
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)
	svc := newService(store, cat, bus)

	svc.Reconcile(context.Background())
	select {
	case ev := <-ch:
		if ev.Reason != events.ReasonSync || ev.Added != 2 {
			t.Errorf("unexpected event %+v", ev)
		}
	default:
		t.Fatal("no membership event after download")
	}

	svc.Reconcile(context.Background())
	select {
	case ev := <-ch:
		t.Errorf("unexpected event for unchanged run: %+v", ev)
	default:
	}
}

func TestReconcile_ReportsStatus(t *testing.T) {
	store := newStore(t, 1<<20)
	cat := newFakeCatalog()
	cat.setPhotos("a", "b", "bad")
	cat.fetchErr["mem://bad"] = errors.New("boom")
	svc := newService(store, cat, nil)

	svc.Reconcile(context.Background())
	if len(cat.reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(cat.reports))
	}
	r := cat.reports[0]
	if r.synced != 2 || r.total != 3 || r.bytes != store.TotalSize() {
		t.Errorf("unexpected report %+v", r)
	}
	if ts, _ := store.LastSync(); ts.IsZero() {
		t.Error("sync time not recorded")
	}
}

func TestRun_CoalescesTriggers(t *testing.T) {
	store := newStore(t, 1<<20)
	cat := newFakeCatalog()
	cat.entered = make(chan struct{})
	cat.release = make(chan struct{})
	svc := newService(store, cat, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()

	svc.Trigger()
	<-cat.entered // first run is listing
	if svc.State() != StateReconciling {
		t.Errorf("state = %s, want reconciling", svc.State())
	}
	for i := 0; i < 5; i++ {
		svc.Trigger()
	}
	cat.release <- struct{}{}

	<-cat.entered // exactly one follow-up
	cat.release <- struct{}{}

	select {
	case <-cat.entered:
		t.Error("more than one follow-up run")
		cat.release <- struct{}{}
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	<-done
	if n := cat.lists.Load(); n != 2 {
		t.Errorf("ListPhotos called %d times, want 2", n)
	}
}

func TestReconcile_IdempotentWhenRemoteExceedsBudget(t *testing.T) {
	store := newStore(t, 25) // room for two of the three 10-byte photos
	cat := newFakeCatalog()
	cat.setPhotos("a", "b", "c")
	svc := New(Config{SourceID: "stream-1", Workers: 1}, store, cat, nil)

	res, err := svc.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Downloaded != 2 || res.Deferred != 1 {
		t.Errorf("first run: downloaded=%d deferred=%d, want 2 and 1", res.Downloaded, res.Deferred)
	}
	if got := store.Manifest(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("manifest = %v, want [a b]", got)
	}

	for i := 0; i < 3; i++ {
		res, err := svc.Reconcile(context.Background())
		if err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
		if res.Downloaded != 0 || res.Pruned != 0 || res.Changed() {
			t.Errorf("run %d: downloaded=%d pruned=%d, want no change", i+2, res.Downloaded, res.Pruned)
		}
		if res.Deferred != 1 {
			t.Errorf("run %d: deferred=%d, want 1", i+2, res.Deferred)
		}
	}
	for _, id := range []string{"a", "b", "c"} {
		if n := cat.fetchCount(id); n != 1 {
			t.Errorf("%s fetched %d times, want 1", id, n)
		}
	}
	if got := store.Manifest(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("manifest = %v, want [a b]", got)
	}

	// Dropping "a" remotely frees room for the deferred photo.
	cat.setPhotos("b", "c")
	res, err = svc.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Downloaded != 1 || res.Pruned != 1 || res.Deferred != 0 {
		t.Errorf("after remote change: downloaded=%d pruned=%d deferred=%d", res.Downloaded, res.Pruned, res.Deferred)
	}
	if got := store.Manifest(); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Errorf("manifest = %v, want [b c]", got)
	}
}
