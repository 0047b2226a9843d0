package utils

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg" // JPEG decoder
	_ "image/png"  // PNG decoder

	"github.com/kolesa-team/go-webp/decoder"
	"github.com/kolesa-team/go-webp/encoder"
	"github.com/kolesa-team/go-webp/webp"
)

const DefaultWebPQuality float32 = 90

// DecodeImage - PNG, JPEG or WebP bytes to an image
func DecodeImage(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err == nil {
		return img, format, nil
	}
	// WebP is not registered with the image package
	wimg, werr := webp.Decode(bytes.NewReader(data), &decoder.Options{})
	if werr != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}
	return wimg, "webp", nil
}

// ConvertToWebP - re-encode any supported image as lossy WebP, shrinking it to
// maxWidth first when maxWidth > 0
func ConvertToWebP(data []byte, quality float32, maxWidth int) ([]byte, error) {
	img, _, err := DecodeImage(data)
	if err != nil {
		return nil, err
	}
	if maxWidth > 0 {
		img = FitWidth(img, maxWidth)
	}
	if quality <= 0 {
		quality = DefaultWebPQuality
	}

	options, err := encoder.NewLossyEncoderOptions(encoder.PresetDefault, quality)
	if err != nil {
		return nil, fmt.Errorf("failed to create WebP encoder options: %w", err)
	}

	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, options); err != nil {
		return nil, fmt.Errorf("failed to encode WebP: %w", err)
	}
	return buf.Bytes(), nil
}

// FitWidth - scale down to maxWidth keeping the aspect ratio (nearest neighbor).
// Images already narrow enough are returned as is.
func FitWidth(src image.Image, maxWidth int) image.Image {
	b := src.Bounds()
	if maxWidth <= 0 || b.Dx() <= maxWidth {
		return src
	}

	scale := float64(maxWidth) / float64(b.Dx())
	newWidth := maxWidth
	newHeight := max(int(float64(b.Dy())*scale), 1)

	dst := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	for y := 0; y < newHeight; y++ {
		for x := 0; x < newWidth; x++ {
			srcX := b.Min.X + int(float64(x)/scale)
			srcY := b.Min.Y + int(float64(y)/scale)
			dst.Set(x, y, src.At(srcX, srcY))
		}
	}
	return dst
}
