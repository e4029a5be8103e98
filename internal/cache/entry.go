// Package cache provides the bounded on-disk photo cache.
//
// Photo bytes live in one file per photo inside the cache directory. The
// manifest (a bbolt file next to them) is the authoritative index: an id is
// cached if and only if it has a manifest entry, and a manifest entry always
// has its backing file. Writes go to a temp file that is renamed into place
// before the manifest is touched; removals drop the manifest entry before
// the file.
package cache

import (
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// ErrNotFound is returned by Get for ids that are not cached.
var ErrNotFound = errors.New("photo not cached")

// ErrTooLarge is returned by Put when a photo alone exceeds the cache budget.
// The photo was admitted and then evicted before Put returned.
var ErrTooLarge = errors.New("photo larger than cache budget")

// ErrNoRoom is returned by Put when the photo only fits by evicting entries
// the caller asked to keep. Nothing was stored.
var ErrNoRoom = errors.New("no room in cache without evicting kept photos")

// ErrLocked is returned by New when another process holds the manifest.
var ErrLocked = errors.New("cache is in use by another process")

// DiskWriteError reports a failed filesystem write. The manifest is
// unchanged when Put returns one.
type DiskWriteError struct {
	Op   string
	Path string
	Err  error
}

func (e *DiskWriteError) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *DiskWriteError) Unwrap() error {
	return e.Err
}

// IsDiskWrite reports whether err is a DiskWriteError.
func IsDiskWrite(err error) bool {
	var dw *DiskWriteError
	return errors.As(err, &dw)
}

// Entry is one cached photo.
type Entry struct {
	ID          string    `json:"id"`
	FileName    string    `json:"file"`
	LocalPath   string    `json:"-"`
	Size        int64     `json:"size"`
	LastAccess  time.Time `json:"last_access"`
	AddedAt     time.Time `json:"added_at"`
	Streams     []string  `json:"streams,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
}

// InStream reports whether the entry is referenced by streamID.
func (e Entry) InStream(streamID string) bool {
	for _, s := range e.Streams {
		if s == streamID {
			return true
		}
	}
	return false
}

// PutOptions carries the metadata recorded with a photo.
type PutOptions struct {
	StreamID    string
	ContentType string
	// Keep protects entries from eviction by this Put. Nil means plain LRU.
	Keep func(id string) bool
}

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

// fileName derives the on-disk name for id. Remote ids are not trusted as
// path components.
func fileName(id, contentType string) string {
	sum := blake2b.Sum256([]byte(id))
	ext := ".jpg"
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		if e, ok := extensions[strings.ToLower(mt)]; ok {
			ext = e
		}
	}
	return hex.EncodeToString(sum[:16]) + ext
}
