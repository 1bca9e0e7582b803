// Package vision validates and normalizes camera uploads before they become
// visual context for the next exchange. Oversized images are rejected, large
// ones are downscaled and re-encoded, and every accepted image gets a small
// thumbnail for the state endpoint.
package vision

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // register the PNG decoder for image.Decode

	xdraw "golang.org/x/image/draw"

	"github.com/voicepin/voicepin/internal/config"
)

// Intake errors. The HTTP layer maps these to 4xx responses.
var (
	ErrTooLarge          = errors.New("vision: image exceeds byte limit")
	ErrDimensionTooLarge = errors.New("vision: image exceeds dimension limit")
	ErrUnsupportedFormat = errors.New("vision: unsupported image format")
)

// Processed is a validated, possibly downscaled upload.
type Processed struct {
	// Data is the image to hand to the language model. Downscaled images are
	// re-encoded as JPEG; small ones keep their original bytes.
	Data     []byte
	MIMEType string

	// Width and Height describe Data, after any downscale.
	Width  int
	Height int

	// Thumbnail is a JPEG fitting within the configured thumbnail square.
	Thumbnail []byte
}

// Processor applies the configured intake limits.
type Processor struct {
	cfg config.ImageConfig
}

// NewProcessor creates a Processor from the image config section.
func NewProcessor(cfg config.ImageConfig) *Processor {
	return &Processor{cfg: cfg}
}

// Process validates data against the intake limits and returns the
// normalized image. Only JPEG and PNG are accepted.
func (p *Processor) Process(data []byte) (*Processed, error) {
	if len(data) > p.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(data), p.cfg.MaxBytes)
	}

	format, err := sniffFormat(data)
	if err != nil {
		return nil, err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("vision: decode %s: %w", format, err)
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w > p.cfg.MaxDimension || h > p.cfg.MaxDimension {
		return nil, fmt.Errorf("%w: %dx%d > %dpx", ErrDimensionTooLarge, w, h, p.cfg.MaxDimension)
	}

	out := &Processed{Data: data, MIMEType: "image/" + format, Width: w, Height: h}

	// Images close to the dimension ceiling are downscaled before they reach
	// the language model; anything under the threshold ships as uploaded.
	if larger := max(w, h); larger > p.cfg.MaxDimension*8/10 {
		scaled := scaleToFit(img, p.cfg.ResizeTarget)
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: p.cfg.JPEGQuality}); err != nil {
			return nil, fmt.Errorf("vision: re-encode: %w", err)
		}
		out.Data = buf.Bytes()
		out.MIMEType = "image/jpeg"
		out.Width = scaled.Bounds().Dx()
		out.Height = scaled.Bounds().Dy()
		img = scaled
	}

	thumb := scaleToFit(img, p.cfg.ThumbnailSize)
	var tbuf bytes.Buffer
	if err := jpeg.Encode(&tbuf, thumb, &jpeg.Options{Quality: p.cfg.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("vision: encode thumbnail: %w", err)
	}
	out.Thumbnail = tbuf.Bytes()

	return out, nil
}

// sniffFormat accepts only the formats the device firmware produces.
func sniffFormat(data []byte) (string, error) {
	switch {
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return "jpeg", nil
	case len(data) >= 8 && bytes.Equal(data[:8], []byte("\x89PNG\r\n\x1a\n")):
		return "png", nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// scaleToFit resizes img so its larger dimension equals maxDim, preserving
// aspect ratio. Images already within the bound are returned scaled 1:1 into
// an RGBA so the encoder has a uniform input.
func scaleToFit(img image.Image, maxDim int) *image.RGBA {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	tw, th := w, h
	if larger := max(w, h); larger > maxDim {
		scale := float64(maxDim) / float64(larger)
		tw = int(float64(w)*scale + 0.5)
		th = int(float64(h)*scale + 0.5)
		if tw < 1 {
			tw = 1
		}
		if th < 1 {
			th = 1
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, xdraw.Over, nil)
	return dst
}
