package cache

import (
	"bytes"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

const mb = 1 << 20

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func newTestStore(t *testing.T, dir string, max int64, clock *fakeClock) *Store {
	t.Helper()
	s, err := New(dir, max, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func put(t *testing.T, s *Store, id string, size int) {
	t.Helper()
	if _, err := s.Put(id, bytes.NewReader(bytes.Repeat([]byte{'x'}, size)), PutOptions{StreamID: "s1"}); err != nil {
		t.Fatalf("Put(%s): %v", id, err)
	}
}

func TestStore_PutAndGet(t *testing.T) {
	s := newTestStore(t, t.TempDir(), mb, newClock())

	content := []byte("jpeg bytes")
	e, err := s.Put("p1", bytes.NewReader(content), PutOptions{StreamID: "s1", ContentType: "image/png"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if e.Size != int64(len(content)) {
		t.Errorf("Size = %d, want %d", e.Size, len(content))
	}
	if !strings.HasSuffix(e.LocalPath, ".png") {
		t.Errorf("LocalPath = %q, want .png suffix", e.LocalPath)
	}
	if !e.InStream("s1") {
		t.Errorf("Streams = %v, want s1", e.Streams)
	}

	data, err := s.Get("p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Errorf("content mismatch: got %q, want %q", data, content)
	}

	if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestStore_FileNameDoesNotUseRawID(t *testing.T) {
	s := newTestStore(t, t.TempDir(), mb, newClock())

	e, err := s.Put("../../etc/passwd", strings.NewReader("x"), PutOptions{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if filepath.Dir(e.LocalPath) != s.Dir() {
		t.Errorf("LocalPath %q escapes cache dir %q", e.LocalPath, s.Dir())
	}
}

func TestStore_RemoveIsIdempotent(t *testing.T) {
	s := newTestStore(t, t.TempDir(), mb, newClock())
	put(t, s, "p1", 100)

	e, _ := s.Entry("p1")
	if err := s.Remove("p1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.Remove("p1"); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
	if s.Has("p1") {
		t.Error("p1 still cached after Remove")
	}
	if _, err := os.Stat(e.LocalPath); !os.IsNotExist(err) {
		t.Errorf("file still present after Remove: %v", err)
	}
	if s.TotalSize() != 0 {
		t.Errorf("TotalSize = %d, want 0", s.TotalSize())
	}
}

func TestStore_SizeMatchesEntries(t *testing.T) {
	s := newTestStore(t, t.TempDir(), mb, newClock())
	put(t, s, "a", 100)
	put(t, s, "b", 250)
	put(t, s, "a", 40) // replace

	var sum int64
	for _, e := range s.Entries() {
		sum += e.Size
	}
	if sum != s.TotalSize() || sum != 290 {
		t.Errorf("sum = %d, TotalSize = %d, want 290", sum, s.TotalSize())
	}
	if got := s.Manifest(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Manifest = %v", got)
	}
}

func TestStore_EvictsLeastRecentlyAccessed(t *testing.T) {
	clock := newClock()
	s := newTestStore(t, t.TempDir(), 10*mb, clock)

	for _, id := range []string{"a", "b", "c", "d"} {
		put(t, s, id, 2*mb)
		clock.Advance(time.Second)
	}
	// Touch everything but a.
	for _, id := range []string{"b", "c", "d"} {
		if _, err := s.Get(id); err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		clock.Advance(time.Second)
	}

	put(t, s, "e", 3*mb)

	if got := s.Manifest(); !reflect.DeepEqual(got, []string{"b", "c", "d", "e"}) {
		t.Errorf("Manifest = %v, want [b c d e]", got)
	}
	if s.TotalSize() != 9*mb {
		t.Errorf("TotalSize = %d, want %d", s.TotalSize(), 9*mb)
	}
}

func TestStore_EvictionTieBreaksByID(t *testing.T) {
	clock := newClock()
	s := newTestStore(t, t.TempDir(), 0, clock)

	// Same clock value for all three.
	put(t, s, "c", 10)
	put(t, s, "a", 10)
	put(t, s, "b", 10)

	evicted, err := s.EvictUntilUnderBudget(15)
	if err != nil {
		t.Fatalf("EvictUntilUnderBudget: %v", err)
	}
	if !reflect.DeepEqual(evicted, []string{"a", "b"}) {
		t.Errorf("evicted = %v, want [a b]", evicted)
	}
	if got := s.Manifest(); !reflect.DeepEqual(got, []string{"c"}) {
		t.Errorf("Manifest = %v, want [c]", got)
	}
}

func TestStore_EvictToZeroEmptiesCache(t *testing.T) {
	s := newTestStore(t, t.TempDir(), 0, newClock())
	put(t, s, "a", 10)
	put(t, s, "b", 10)

	if _, err := s.EvictUntilUnderBudget(0); err != nil {
		t.Fatalf("EvictUntilUnderBudget: %v", err)
	}
	if len(s.Manifest()) != 0 || s.TotalSize() != 0 {
		t.Errorf("cache not empty: %v, %d bytes", s.Manifest(), s.TotalSize())
	}
}

func TestStore_TooLarge(t *testing.T) {
	s := newTestStore(t, t.TempDir(), 100, newClock())
	put(t, s, "small", 50)

	_, err := s.Put("huge", bytes.NewReader(make([]byte, 500)), PutOptions{})
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Put error = %v, want ErrTooLarge", err)
	}
	if s.Has("huge") {
		t.Error("huge still cached")
	}
	if !s.Has("small") {
		t.Error("small evicted to make room for a photo that can never fit")
	}
	if s.TotalSize() > 100 {
		t.Errorf("TotalSize = %d over budget", s.TotalSize())
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

func TestStore_SourceErrorLeavesNoTrace(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir, mb, newClock())

	_, err := s.Put("p1", failingReader{}, PutOptions{})
	if err == nil {
		t.Fatal("Put succeeded with failing reader")
	}
	if IsDiskWrite(err) {
		t.Errorf("source failure reported as disk write error: %v", err)
	}
	if s.Has("p1") {
		t.Error("p1 cached after failed Put")
	}

	dirents, _ := os.ReadDir(dir)
	for _, d := range dirents {
		if strings.HasSuffix(d.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", d.Name())
		}
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	clock := newClock()

	s, err := New(dir, mb, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	put(t, s, "a", 10)
	put(t, s, "b", 20)
	clock.Advance(time.Minute)
	if _, err := s.Get("a"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2 := newTestStore(t, dir, mb, clock)
	if got := s2.Manifest(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Manifest after reopen = %v", got)
	}
	if s2.TotalSize() != 30 {
		t.Errorf("TotalSize after reopen = %d, want 30", s2.TotalSize())
	}
	e, _ := s2.Entry("a")
	if !e.LastAccess.Equal(clock.Now()) {
		t.Errorf("LastAccess = %v, want %v", e.LastAccess, clock.Now())
	}
}

func TestStore_RecoversFromInterruptedRun(t *testing.T) {
	dir := t.TempDir()
	clock := newClock()

	s, err := New(dir, mb, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	put(t, s, "kept", 10)
	put(t, s, "lost", 10)
	lost, _ := s.Entry("lost")
	s.Close()

	// Bytes of an entry vanish, a temp file and an orphan appear.
	os.Remove(lost.LocalPath)
	os.WriteFile(filepath.Join(dir, ".put-123.tmp"), []byte("partial"), 0644)
	os.WriteFile(filepath.Join(dir, "deadbeef.jpg"), []byte("orphan"), 0644)

	s2 := newTestStore(t, dir, mb, clock)
	if got := s2.Manifest(); !reflect.DeepEqual(got, []string{"kept"}) {
		t.Errorf("Manifest = %v, want [kept]", got)
	}
	if s2.TotalSize() != 10 {
		t.Errorf("TotalSize = %d, want 10", s2.TotalSize())
	}
	for _, name := range []string{".put-123.tmp", "deadbeef.jpg"} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("%s not swept: %v", name, err)
		}
	}
}

func TestStore_ReopenWithSmallerBudgetEvicts(t *testing.T) {
	dir := t.TempDir()
	clock := newClock()

	s, _ := New(dir, mb, WithClock(clock.Now))
	put(t, s, "old", 60)
	clock.Advance(time.Second)
	put(t, s, "new", 60)
	s.Close()

	s2 := newTestStore(t, dir, 100, clock)
	if got := s2.Manifest(); !reflect.DeepEqual(got, []string{"new"}) {
		t.Errorf("Manifest = %v, want [new]", got)
	}
}

func TestStore_Clear(t *testing.T) {
	s := newTestStore(t, t.TempDir(), mb, newClock())
	put(t, s, "a", 10)
	put(t, s, "b", 10)

	n, err := s.Clear()
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n != 2 {
		t.Errorf("Clear removed %d, want 2", n)
	}
	if len(s.Manifest()) != 0 || s.TotalSize() != 0 {
		t.Error("cache not empty after Clear")
	}
	put(t, s, "c", 10)
	if !s.Has("c") {
		t.Error("Put after Clear failed")
	}
}

func TestStore_AddStream(t *testing.T) {
	s := newTestStore(t, t.TempDir(), mb, newClock())
	put(t, s, "a", 10)

	if err := s.AddStream("a", "s2"); err != nil {
		t.Fatalf("AddStream: %v", err)
	}
	if err := s.AddStream("a", "s2"); err != nil {
		t.Fatalf("AddStream again: %v", err)
	}
	e, _ := s.Entry("a")
	if !reflect.DeepEqual(e.Streams, []string{"s1", "s2"}) {
		t.Errorf("Streams = %v, want [s1 s2]", e.Streams)
	}
	if err := s.AddStream("missing", "s2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("AddStream(missing) = %v, want ErrNotFound", err)
	}
}

func TestStore_LastSync(t *testing.T) {
	dir := t.TempDir()
	s, _ := New(dir, mb)

	if ts, err := s.LastSync(); err != nil || !ts.IsZero() {
		t.Fatalf("LastSync before any sync = %v, %v", ts, err)
	}
	want := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)
	if err := s.RecordSync(want); err != nil {
		t.Fatalf("RecordSync: %v", err)
	}
	s.Close()

	ro, err := New(dir, 0, ReadOnly())
	if err != nil {
		t.Fatalf("New read-only: %v", err)
	}
	defer ro.Close()
	got, err := ro.LastSync()
	if err != nil {
		t.Fatalf("LastSync: %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("LastSync = %v, want %v", got, want)
	}
	if _, err := ro.Put("x", strings.NewReader("x"), PutOptions{}); err == nil {
		t.Error("Put on read-only store succeeded")
	}
}

func TestStore_ReadOnlyMissingManifest(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "absent"), 0, ReadOnly())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(s.Manifest()) != 0 {
		t.Error("expected empty manifest")
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestStore_SecondWriterIsLocked(t *testing.T) {
	dir := t.TempDir()
	newTestStore(t, dir, 100, newClock())

	_, err := New(dir, 100, WithOpenTimeout(50*time.Millisecond))
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("second open = %v, want ErrLocked", err)
	}
}

func TestStore_PutNeverEvictsKeptEntries(t *testing.T) {
	clock := newClock()
	s := newTestStore(t, t.TempDir(), 25, clock)
	put(t, s, "a", 10)
	clock.Advance(time.Second)
	put(t, s, "b", 10)
	clock.Advance(time.Second)

	keepAB := func(id string) bool { return id == "a" || id == "b" || id == "c" }
	_, err := s.Put("c", bytes.NewReader(bytes.Repeat([]byte{'x'}, 10)), PutOptions{Keep: keepAB})
	if !errors.Is(err, ErrNoRoom) {
		t.Fatalf("Put(c) = %v, want ErrNoRoom", err)
	}
	if got := s.Manifest(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("manifest = %v, want [a b]", got)
	}
	if s.TotalSize() != 20 {
		t.Errorf("TotalSize = %d, want 20", s.TotalSize())
	}
	files, _ := filepath.Glob(filepath.Join(s.Dir(), "*.jpg"))
	if len(files) != 2 {
		t.Errorf("%d photo files on disk, want 2", len(files))
	}

	// With only "b" protected, the older "a" makes room.
	keepB := func(id string) bool { return id == "b" }
	if _, err := s.Put("c", bytes.NewReader(bytes.Repeat([]byte{'x'}, 10)), PutOptions{Keep: keepB}); err != nil {
		t.Fatalf("Put(c): %v", err)
	}
	if got := s.Manifest(); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Errorf("manifest = %v, want [b c]", got)
	}
}

func TestStore_RandomOpsKeepSizeInvariant(t *testing.T) {
	const budget = 100
	clock := newClock()
	s := newTestStore(t, t.TempDir(), budget, clock)
	rng := rand.New(rand.NewSource(42))

	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for i := 0; i < 500; i++ {
		clock.Advance(time.Second)
		id := ids[rng.Intn(len(ids))]
		var op string
		switch n := rng.Intn(10); {
		case n < 4:
			op = "put"
			size := 1 + rng.Intn(40)
			if rng.Intn(20) == 0 {
				size = budget + 1
			}
			_, err := s.Put(id, bytes.NewReader(bytes.Repeat([]byte{'x'}, size)), PutOptions{StreamID: "s1"})
			if err != nil && !errors.Is(err, ErrTooLarge) {
				t.Fatalf("op %d: Put(%s, %d): %v", i, id, size, err)
			}
		case n < 6:
			op = "put-keep"
			kept := map[string]bool{}
			for _, k := range ids {
				kept[k] = rng.Intn(2) == 0
			}
			size := 1 + rng.Intn(40)
			_, err := s.Put(id, bytes.NewReader(bytes.Repeat([]byte{'x'}, size)), PutOptions{
				StreamID: "s1",
				Keep:     func(id string) bool { return kept[id] },
			})
			if err != nil && !errors.Is(err, ErrNoRoom) {
				t.Fatalf("op %d: Put(%s, %d) with keep: %v", i, id, size, err)
			}
		case n < 8:
			op = "remove"
			if err := s.Remove(id); err != nil {
				t.Fatalf("op %d: Remove(%s): %v", i, id, err)
			}
		default:
			op = "get"
			if _, err := s.Get(id); err != nil && !errors.Is(err, ErrNotFound) {
				t.Fatalf("op %d: Get(%s): %v", i, id, err)
			}
		}

		total := s.TotalSize()
		if total > budget {
			t.Fatalf("op %d (%s %s): TotalSize = %d, over budget %d", i, op, id, total, budget)
		}
		var sum int64
		for _, e := range s.Entries() {
			sum += e.Size
			if _, err := os.Stat(e.LocalPath); err != nil {
				t.Fatalf("op %d (%s %s): %s has no file: %v", i, op, id, e.ID, err)
			}
		}
		if sum != total {
			t.Fatalf("op %d (%s %s): entries sum to %d, TotalSize = %d", i, op, id, sum, total)
		}
	}
}
