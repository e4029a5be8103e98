//go:build linux

package display

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"golang.org/x/sys/unix"

	"github.com/froggieframe/pi-frame/internal/logging"
)

const sysGraphics = "/sys/class/graphics"

// Framebuffer renders to a Linux framebuffer device. Frames are encoded
// into a back buffer and copied to the mapped device memory in one go.
type Framebuffer struct {
	f      *os.File
	mem    []byte
	back   []byte
	width  int
	height int
	bpp    int
	stride int
}

// OpenFramebuffer maps device (for example /dev/fb0). 16 and 32 bits per
// pixel are supported.
func OpenFramebuffer(device string) (*Framebuffer, error) {
	sys := filepath.Join(sysGraphics, filepath.Base(device))

	size, err := readSysfs(sys, "virtual_size")
	if err != nil {
		return nil, err
	}
	w, h, ok := strings.Cut(size, ",")
	if !ok {
		return nil, fmt.Errorf("unexpected virtual_size %q", size)
	}
	width, err1 := strconv.Atoi(w)
	height, err2 := strconv.Atoi(h)
	bpp, err3 := readSysfsInt(sys, "bits_per_pixel")
	stride, err4 := readSysfsInt(sys, "stride")
	for _, err := range []error{err1, err2, err3, err4} {
		if err != nil {
			return nil, fmt.Errorf("read framebuffer info: %w", err)
		}
	}
	if bpp != 16 && bpp != 32 {
		return nil, fmt.Errorf("unsupported framebuffer depth %d bpp", bpp)
	}
	if stride < width*bpp/8 {
		stride = width * bpp / 8
	}

	f, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open framebuffer: %w", err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, stride*height, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap framebuffer: %w", err)
	}

	fb := &Framebuffer{
		f:      f,
		mem:    mem,
		back:   make([]byte, len(mem)),
		width:  width,
		height: height,
		bpp:    bpp,
		stride: stride,
	}
	logging.Info("framebuffer opened",
		logging.String("device", device),
		logging.Int("width", width),
		logging.Int("height", height),
		logging.Int("bpp", bpp),
		logging.Int("stride", stride),
	)

	setConsoleCursor(false)
	fb.flip()
	return fb, nil
}

func (fb *Framebuffer) Size() (int, int) {
	return fb.width, fb.height
}

// Show encodes img into the back buffer and flips it to the screen.
func (fb *Framebuffer) Show(img image.Image) error {
	src := imaging.Clone(img)
	b := src.Bounds()
	w := min(b.Dx(), fb.width)
	h := min(b.Dy(), fb.height)

	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride : y*src.Stride+w*4]
		dst := fb.back[y*fb.stride:]
		switch fb.bpp {
		case 32:
			for x := 0; x < w; x++ {
				s := row[x*4 : x*4+4]
				d := dst[x*4 : x*4+4]
				d[0], d[1], d[2], d[3] = s[2], s[1], s[0], 0xff // BGRA
			}
		case 16:
			for x := 0; x < w; x++ {
				s := row[x*4 : x*4+4]
				v := uint16(s[0]>>3)<<11 | uint16(s[1]>>2)<<5 | uint16(s[2]>>3)
				dst[x*2] = byte(v)
				dst[x*2+1] = byte(v >> 8)
			}
		}
	}
	fb.flip()
	return nil
}

func (fb *Framebuffer) flip() {
	copy(fb.mem, fb.back)
}

// Close blanks the screen and releases the device.
func (fb *Framebuffer) Close() error {
	clear(fb.back)
	fb.flip()
	setConsoleCursor(true)
	err := unix.Munmap(fb.mem)
	if cerr := fb.f.Close(); err == nil {
		err = cerr
	}
	return err
}

func readSysfs(dir, name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", fmt.Errorf("read framebuffer info: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func readSysfsInt(dir, name string) (int, error) {
	s, err := readSysfs(dir, name)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(s)
}

// setConsoleCursor hides or shows the blinking text console cursor that
// would otherwise draw over the framebuffer. Failures are ignored; the
// frame may not own a console.
func setConsoleCursor(visible bool) {
	seq, blink := "\033[?25l", "0"
	if visible {
		seq, blink = "\033[?25h", "1"
	}
	os.WriteFile(filepath.Join(sysGraphics, "fbcon", "cursor_blink"), []byte(blink), 0644)
	for _, tty := range []string{"/dev/tty0", "/dev/tty1"} {
		if f, err := os.OpenFile(tty, os.O_WRONLY, 0); err == nil {
			f.WriteString(seq)
			f.Close()
		}
	}
}
