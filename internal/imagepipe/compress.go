package imagepipe

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

// Compressed is the outcome of Compress.
type Compressed struct {
	Data    []byte
	Quality int
	Width   int
	Height  int
}

// DataURI encodes data as a base64 data URI.
func DataURI(contentType string, data []byte) string {
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// Compress decodes a JPEG or PNG and re-encodes it with CompressImage.
func Compress(data []byte, maxDimension, targetBytes int) (Compressed, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Compressed{}, fmt.Errorf("decode image: %w", err)
	}
	return CompressImage(img, maxDimension, targetBytes)
}

// CompressImage scales img to fit maxDimension on both axes, preserving the
// aspect ratio, then encodes JPEG at decreasing quality until the output is
// at most targetBytes or the quality floor is reached. The search is greedy
// and always terminates since quality strictly decreases.
func CompressImage(img image.Image, maxDimension, targetBytes int) (Compressed, error) {
	canvas := fit(img, maxDimension)
	bounds := canvas.Bounds()

	var buf bytes.Buffer
	quality := QualityStart
	for {
		buf.Reset()
		if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: quality}); err != nil {
			return Compressed{}, fmt.Errorf("encode jpeg at quality %d: %w", quality, err)
		}
		if buf.Len() <= targetBytes || quality-QualityStep < QualityFloor {
			break
		}
		quality -= QualityStep
	}

	return Compressed{
		Data:    append([]byte(nil), buf.Bytes()...),
		Quality: quality,
		Width:   bounds.Dx(),
		Height:  bounds.Dy(),
	}, nil
}

// fit draws img onto an opaque white canvas no larger than maxDimension.
func fit(img image.Image, maxDimension int) *image.RGBA {
	src := img.Bounds()
	w, h := src.Dx(), src.Dy()
	if maxDimension > 0 && (w > maxDimension || h > maxDimension) {
		if w >= h {
			h = max(1, h*maxDimension/w)
			w = maxDimension
		} else {
			w = max(1, w*maxDimension/h)
			h = maxDimension
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, src, draw.Over, nil)
	return dst
}
