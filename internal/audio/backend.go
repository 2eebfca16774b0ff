package audio

import "fmt"

// NewService creates the capture service for the configured backend.
// Paths in capture requests are resolved against root.
func NewService(backend, root string) (Service, error) {
	switch backend {
	case "ffmpeg":
		return NewFFmpegService(root), nil
	case "null":
		return NewNullService(root), nil
	default:
		return nil, fmt.Errorf("unknown audio backend %q", backend)
	}
}
