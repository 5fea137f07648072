// Package qr generates per-student identifier codes and decodes them from
// camera frames or image files.
package qr

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
	skipqr "github.com/skip2/go-qrcode"
)

// Scanner decodes QR codes from images. The zero value is ready to use and
// safe for use from a single goroutine.
type Scanner struct {
	reader gozxing.Reader
}

// NewScanner returns a scanner backed by a QR reader.
func NewScanner() *Scanner {
	return &Scanner{reader: qrcode.NewQRCodeReader()}
}

// DecodeFrame extracts an identifier from a frame. Frames without a
// decodable code return an error; callers treat that as "nothing visible".
func (s *Scanner) DecodeFrame(img image.Image) (string, error) {
	source := gozxing.NewLuminanceSourceFromImage(img)
	bitmap, err := gozxing.NewBinaryBitmap(gozxing.NewHybridBinarizer(source))
	if err != nil {
		return "", fmt.Errorf("prepare bitmap: %w", err)
	}

	result, err := s.reader.Decode(bitmap, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(result.GetText()), nil
}

// DecodeFile decodes a QR code from an image file on disk.
func (s *Scanner) DecodeFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return "", fmt.Errorf("decode image %s: %w", path, err)
	}
	return s.DecodeFrame(img)
}

// Generate writes a QR code PNG for the identifier into dir and returns the
// file path.
func Generate(identifier, dir string) (string, error) {
	if identifier == "" {
		return "", fmt.Errorf("empty identifier")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create qr directory: %w", err)
	}

	path := filepath.Join(dir, identifier+".png")
	if err := skipqr.WriteFile(identifier, skipqr.Medium, 256, path); err != nil {
		return "", fmt.Errorf("write qr code: %w", err)
	}
	return path, nil
}
