package qrcode

import (
	"encoding/base64"
	"fmt"

	goqrcode "github.com/skip2/go-qrcode"
)

const (
	defaultSize = 256
	dataURLPNG  = "data:image/png;base64,"
)

// Renderer turns credential payloads into scannable PNG images.
type Renderer struct {
	size  int
	level goqrcode.RecoveryLevel
}

// NewRenderer builds a renderer producing square images of the given pixel size.
func NewRenderer(size int) *Renderer {
	if size <= 0 {
		size = defaultSize
	}
	return &Renderer{size: size, level: goqrcode.Medium}
}

// PNG encodes content as a QR PNG.
func (r *Renderer) PNG(content string) ([]byte, error) {
	if content == "" {
		return nil, fmt.Errorf("qr content required")
	}
	png, err := goqrcode.Encode(content, r.level, r.size)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return png, nil
}

// DataURL encodes content as a base64 PNG data URL suitable for an <img> src.
func (r *Renderer) DataURL(content string) (string, error) {
	png, err := r.PNG(content)
	if err != nil {
		return "", err
	}
	return dataURLPNG + base64.StdEncoding.EncodeToString(png), nil
}
