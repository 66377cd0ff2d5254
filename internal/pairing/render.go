package pairing

import (
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// ImageSize is the edge length in pixels of rendered PNGs.
const ImageSize = 256

// Render encodes raw as a PNG QR code.
func Render(raw string) ([]byte, error) {
	if raw == "" {
		return nil, fmt.Errorf("empty pairing challenge")
	}
	png, err := qrcode.Encode(raw, qrcode.Medium, ImageSize)
	if err != nil {
		return nil, fmt.Errorf("render pairing image: %w", err)
	}
	return png, nil
}

// RenderText encodes raw as a QR code drawn with half-block characters,
// two modules per character row, for printing to a terminal.
func RenderText(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("empty pairing challenge")
	}
	q, err := qrcode.New(raw, qrcode.Low)
	if err != nil {
		return "", fmt.Errorf("render pairing text: %w", err)
	}
	return q.ToSmallString(false), nil
}
