package attachment

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	_ "golang.org/x/image/webp"
)

// probeImage returns the pixel dimensions of an image payload.
func probeImage(contentType string, data []byte) (int, int, error) {
	if !strings.HasPrefix(contentType, "image/") {
		return 0, 0, nil
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("probe %s: %w", contentType, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return 0, 0, fmt.Errorf("probe %s: %s image has no dimensions", contentType, format)
	}
	return cfg.Width, cfg.Height, nil
}
