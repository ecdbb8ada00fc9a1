// Copyright 2024-2026 Aiku AI

package connection

import (
	"bytes"
	"strings"
	"testing"
)

// TestQRDataURLRoundTrip verifies the data URL wraps a decodable PNG.
func TestQRDataURLRoundTrip(t *testing.T) {
	t.Parallel()
	url, err := QRDataURL("2@abc,def,ghi")
	if err != nil {
		t.Fatalf("QRDataURL: %v", err)
	}
	if !strings.HasPrefix(url, "data:image/png;base64,") {
		t.Fatalf("unexpected prefix: %.30s", url)
	}
	png, err := DecodeDataURL(url)
	if err != nil {
		t.Fatalf("DecodeDataURL: %v", err)
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG\r\n\x1a\n")) {
		t.Error("decoded bytes are not a PNG")
	}
	if _, err := DecodeDataURL("data:text/plain;base64,aGk="); err == nil {
		t.Error("expected error for non-PNG data URL")
	}
}

// TestRenderQRTerminal verifies the terminal rendering is non-empty.
func TestRenderQRTerminal(t *testing.T) {
	t.Parallel()
	out, err := RenderQRTerminal("ABC123")
	if err != nil {
		t.Fatalf("RenderQRTerminal: %v", err)
	}
	if strings.Count(out, "\n") < 10 {
		t.Errorf("terminal QR too short: %q", out)
	}
}
