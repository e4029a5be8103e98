package display

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"

	"github.com/disintegration/imaging"
)

// Renderer puts full-screen frames on a display.
type Renderer interface {
	// Size returns the screen size in pixels.
	Size() (width, height int)
	// Show replaces the screen contents with img, which has the screen's size.
	Show(img image.Image) error
	Close() error
}

// PNGRenderer writes every frame to a PNG file, replacing it atomically.
// It stands in for a screen on headless machines.
type PNGRenderer struct {
	path          string
	width, height int

	mu     sync.Mutex
	frames int
}

// NewPNGRenderer creates a renderer of the given size writing to path.
func NewPNGRenderer(path string, width, height int) (*PNGRenderer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid screen size %dx%d", width, height)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &PNGRenderer{path: path, width: width, height: height}, nil
}

func (r *PNGRenderer) Size() (int, int) {
	return r.width, r.height
}

func (r *PNGRenderer) Show(img image.Image) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".frame-*.png")
	if err != nil {
		return err
	}
	if err := imaging.Encode(tmp, img, imaging.PNG); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	r.frames++
	return nil
}

// Frames returns how many frames were written.
func (r *PNGRenderer) Frames() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

func (r *PNGRenderer) Close() error {
	return nil
}
