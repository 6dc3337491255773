package pipeline

import (
	"fmt"

	"github.com/kalambet/fruitlens/internal/inference"
)

// DefaultMaxImageBytes is the upload limit used when none is configured.
const DefaultMaxImageBytes = 10 << 20

var contentTypes = map[string]string{
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
}

// Validate checks that data is a non-empty JPEG, PNG or GIF of at most
// maxBytes and returns its content type. Errors wrap ErrInvalidImage.
func Validate(data []byte, maxBytes int64) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: image is empty", ErrInvalidImage)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return "", fmt.Errorf("%w: image is %d bytes, limit is %d", ErrInvalidImage, len(data), maxBytes)
	}
	_, format, err := inference.Decode(data)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	ct, ok := contentTypes[format]
	if !ok {
		return "", fmt.Errorf("%w: unsupported format %q", ErrInvalidImage, format)
	}
	return ct, nil
}
