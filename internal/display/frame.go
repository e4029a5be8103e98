package display

import (
	"bytes"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/webp"
)

// frame is a photo prepared for the screen: decoded, upright, fitted and
// centred on a black canvas of the screen's size.
type frame struct {
	id  string
	img *image.NRGBA
}

// prepare decodes photo bytes into a screen-sized frame.
func prepare(id string, data []byte, width, height int) (*frame, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}
	img = applyOrientation(img, orientation(data))
	return &frame{id: id, img: fitScreen(img, width, height)}, nil
}

// fitScreen scales img to fill the screen preserving aspect ratio and
// letterboxes it in black.
func fitScreen(img image.Image, width, height int) *image.NRGBA {
	canvas := imaging.New(width, height, color.Black)
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return canvas
	}
	switch {
	case b.Dx() == width && b.Dy() == height:
	case b.Dx() > width || b.Dy() > height:
		img = imaging.Fit(img, width, height, imaging.Lanczos)
	case b.Dx()*height > b.Dy()*width:
		// Fit never upscales.
		img = imaging.Resize(img, width, 0, imaging.Lanczos)
	default:
		img = imaging.Resize(img, 0, height, imaging.Lanczos)
	}
	return imaging.PasteCenter(canvas, img)
}

// orientation reads the EXIF orientation tag, 1 if absent.
func orientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return v
}

// applyOrientation transforms an image according to EXIF orientation value.
func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

// blend cross-fades from towards to; alpha 0 is from, 1 is to.
func blend(from, to *image.NRGBA, alpha float64) *image.NRGBA {
	return imaging.Overlay(from, to, image.Pt(0, 0), alpha)
}
