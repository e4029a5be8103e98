package display

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	textColor  = color.NRGBA{R: 0xee, G: 0xee, B: 0xee, A: 0xff}
	mutedColor = color.NRGBA{R: 0x88, G: 0x88, B: 0x88, A: 0xff}
)

// messageFrame renders a headline and optional detail lines centred on a
// black screen. The bitmap font is drawn small and scaled up with nearest
// neighbour so it stays crisp.
func messageFrame(width, height int, headline string, details ...string) *image.NRGBA {
	canvas := imaging.New(width, height, color.Black)

	scale := width / 320
	if scale < 1 {
		scale = 1
	}
	lines := []*image.NRGBA{drawLine(headline, textColor)}
	for _, d := range details {
		lines = append(lines, drawLine(d, mutedColor))
	}

	face := basicfont.Face7x13
	lineHeight := face.Metrics().Height.Ceil() * scale
	gap := lineHeight / 2
	total := len(lines)*lineHeight + (len(lines)-1)*gap
	y := (height - total) / 2

	for i, l := range lines {
		s := scale
		if i > 0 && scale > 1 {
			s = scale - scale/3
		}
		scaled := imaging.Resize(l, l.Bounds().Dx()*s, l.Bounds().Dy()*s, imaging.NearestNeighbor)
		x := (width - scaled.Bounds().Dx()) / 2
		canvas = imaging.Overlay(canvas, scaled, image.Pt(x, y), 1.0)
		y += lineHeight + gap
	}
	return canvas
}

// drawLine renders text at the font's native size on a transparent image.
func drawLine(text string, c color.Color) *image.NRGBA {
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil()
	if width == 0 {
		width = 1
	}
	height := face.Metrics().Height.Ceil()

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.Transparent, image.Point{}, draw.Src)
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(0, face.Metrics().Ascent.Ceil()),
	}
	d.DrawString(text)
	return img
}

// testPattern draws vertical colour bars with a caption band, for checking
// a display backend without any photos.
func testPattern(width, height int, caption string) *image.NRGBA {
	bars := []color.NRGBA{
		{R: 0xc0, G: 0xc0, B: 0xc0, A: 0xff},
		{R: 0xc0, G: 0xc0, B: 0x00, A: 0xff},
		{R: 0x00, G: 0xc0, B: 0xc0, A: 0xff},
		{R: 0x00, G: 0xc0, B: 0x00, A: 0xff},
		{R: 0xc0, G: 0x00, B: 0xc0, A: 0xff},
		{R: 0xc0, G: 0x00, B: 0x00, A: 0xff},
		{R: 0x00, G: 0x00, B: 0xc0, A: 0xff},
	}
	img := imaging.New(width, height, color.Black)
	barHeight := height * 2 / 3
	for i, c := range bars {
		x0 := i * width / len(bars)
		x1 := (i + 1) * width / len(bars)
		draw.Draw(img, image.Rect(x0, 0, x1, barHeight), image.NewUniform(c), image.Point{}, draw.Src)
	}
	// Greyscale ramp under the bars.
	for x := 0; x < width; x++ {
		v := uint8(x * 255 / max(width-1, 1))
		draw.Draw(img, image.Rect(x, barHeight, x+1, barHeight+height/12), image.NewUniform(color.NRGBA{R: v, G: v, B: v, A: 0xff}), image.Point{}, draw.Src)
	}

	band := messageFrame(width, height-barHeight-height/12, caption)
	return imaging.Paste(img, band, image.Pt(0, barHeight+height/12))
}
