//go:build !linux

package display

import (
	"errors"
	"image"
)

// Framebuffer is only available on Linux.
type Framebuffer struct{}

// OpenFramebuffer always fails outside Linux.
func OpenFramebuffer(device string) (*Framebuffer, error) {
	return nil, errors.New("framebuffer output is only supported on linux, use --output")
}

func (fb *Framebuffer) Size() (int, int)          { return 0, 0 }
func (fb *Framebuffer) Show(img image.Image) error { return errors.New("no framebuffer") }
func (fb *Framebuffer) Close() error               { return nil }
