// Package capture reads back the debug visualization and encodes it as a
// TIFF image.
package capture

import (
	"errors"
	"fmt"
	"image"
	"io"
	"os"

	"golang.org/x/image/tiff"

	"github.com/gogpu/voxgi/xdev"
)

// ErrSize is returned when the pixel data does not match the dimensions.
var ErrSize = errors.New("capture: pixel data does not match dimensions")

// Reader reads a secondary buffer back to host memory.
type Reader interface {
	ReadBuffer(res xdev.Resource, dst []byte) error
}

// Image wraps tightly packed RGBA8 pixels without copying.
func Image(pix []byte, width, height int) (*image.RGBA, error) {
	if width <= 0 || height <= 0 || len(pix) < width*height*4 {
		return nil, fmt.Errorf("%w: %d bytes for %dx%d", ErrSize, len(pix), width, height)
	}
	return &image.RGBA{
		Pix:    pix[:width*height*4],
		Stride: width * 4,
		Rect:   image.Rect(0, 0, width, height),
	}, nil
}

// Read copies the view back and returns it as an image.
func Read(r Reader, view xdev.Resource, width, height int) (*image.RGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrSize, width, height)
	}
	pix := make([]byte, width*height*4)
	if err := r.ReadBuffer(view, pix); err != nil {
		return nil, fmt.Errorf("capture: read %s: %w", view.Desc().Label, err)
	}
	return Image(pix, width, height)
}

// Encode writes img as a Deflate-compressed TIFF.
func Encode(w io.Writer, img image.Image) error {
	return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
}

// WriteFile reads the view back and writes it to path.
func WriteFile(path string, r Reader, view xdev.Resource, width, height int) error {
	img, err := Read(r, view, width, height)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("capture: encode %s: %w", path, err)
	}
	return f.Close()
}
