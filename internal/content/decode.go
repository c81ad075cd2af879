package content

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"mime"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
)

// Media types the pipeline accepts.
const (
	MediaTypePNG  = "image/png"
	MediaTypeJPEG = "image/jpeg"
)

// ErrUndecodable is returned when bytes cannot be decoded as an image.
var ErrUndecodable = errors.New("content: image could not be decoded")

// DetectMediaType sniffs the container format from the leading bytes.
func DetectMediaType(data []byte) string {
	return mimetype.Detect(data).String()
}

// NormalizeMediaType maps aliases such as image/jpg to their canonical form
// and strips parameters.
func NormalizeMediaType(mediaType string) string {
	mt, _, err := mime.ParseMediaType(mediaType)
	if err != nil {
		return ""
	}
	if mt == "image/jpg" || mt == "image/pjpeg" {
		return MediaTypeJPEG
	}
	return mt
}

// Extension returns the file extension used for artifacts of mediaType.
func Extension(mediaType string) string {
	switch NormalizeMediaType(mediaType) {
	case MediaTypePNG:
		return ".png"
	case MediaTypeJPEG:
		return ".jpg"
	default:
		return ".img"
	}
}

// Decode decodes data, applying the EXIF orientation so the pixels match
// what a viewer displays.
func Decode(data []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	return img, nil
}

// ValidateBytes decodes data and runs Validate on the result.
func ValidateBytes(data []byte) (Verdict, error) {
	if len(data) == 0 {
		return Verdict{}, ErrEmptyImage
	}
	img, err := Decode(data)
	if err != nil {
		return Verdict{}, err
	}
	return Validate(img)
}
