// Copyright 2024-2026 Aiku AI

package connection

import (
	"encoding/base64"
	"fmt"

	"github.com/skip2/go-qrcode"
)

const qrImageSize = 256

// PairingRenderer turns a pairing code into an inline image URL.
type PairingRenderer interface {
	RenderPairingImage(code string) (string, error)
}

// PairingRendererFunc adapts a function to PairingRenderer.
type PairingRendererFunc func(code string) (string, error)

func (f PairingRendererFunc) RenderPairingImage(code string) (string, error) {
	return f(code)
}

// QRDataURL renders code as a PNG QR code wrapped in a data: URL.
func QRDataURL(code string) (string, error) {
	png, err := RenderQRPNG(code)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// RenderQRPNG renders code as PNG bytes.
func RenderQRPNG(code string) ([]byte, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, qrImageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to render QR code: %w", err)
	}
	return png, nil
}

// RenderQRTerminal renders code with half-height block characters for
// printing to a terminal.
func RenderQRTerminal(code string) (string, error) {
	qr, err := qrcode.New(code, qrcode.Low)
	if err != nil {
		return "", fmt.Errorf("failed to render QR code: %w", err)
	}
	return qr.ToSmallString(false), nil
}

// DecodeDataURL extracts the PNG bytes from a data URL built by QRDataURL.
func DecodeDataURL(dataURL string) ([]byte, error) {
	const prefix = "data:image/png;base64,"
	if len(dataURL) < len(prefix) || dataURL[:len(prefix)] != prefix {
		return nil, fmt.Errorf("not a PNG data URL")
	}
	return base64.StdEncoding.DecodeString(dataURL[len(prefix):])
}
