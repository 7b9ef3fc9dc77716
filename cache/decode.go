package cache

import (
	"bytes"
	"image"
	"image/color"
	"os"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"github.com/pkg/errors"

	// additional formats listing photos get served in
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

const placeholderSize = 64

var (
	// ErrNotAnImage represents content that is not a decodable image
	ErrNotAnImage = errors.New("content is not an image")

	placeholderColor = color.NRGBA{R: 0xd8, G: 0xd8, B: 0xd8, A: 0xff}
)

// decodeImage sniffs and decodes encoded image bytes
func decodeImage(data []byte) (image.Image, string, error) {
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return nil, mt.String(), errors.Wrapf(ErrNotAnImage, "detected %s", mt.String())
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, mt.String(), errors.Wrap(err, "failed to decode image")
	}

	return img, mt.String(), nil
}

// Placeholder returns the built in fallback image, a flat grey square
func Placeholder() *Image {
	img := imaging.New(placeholderSize, placeholderSize, placeholderColor)
	buf := &bytes.Buffer{}
	// encoding an in memory NRGBA as png does not fail
	_ = imaging.Encode(buf, img, imaging.PNG)

	return &Image{
		Key:         "placeholder",
		ContentType: "image/png",
		Data:        buf.Bytes(),
		Decoded:     img,
		Fallback:    true,
	}
}

// LoadFallback reads a fallback image from disk
func LoadFallback(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read fallback image")
	}
	img, contentType, err := decodeImage(data)
	if err != nil {
		return nil, errors.Wrapf(err, "fallback image %s", path)
	}

	return &Image{
		Key:         "fallback",
		URL:         path,
		ContentType: contentType,
		Data:        data,
		Decoded:     img,
		Fallback:    true,
	}, nil
}
