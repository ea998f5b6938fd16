// Package label renders the QR-code labels printed on sample containers.
package label

import (
	"encoding/base64"
	"fmt"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

const (
	// Size is the edge length of the rendered PNG in pixels.
	Size = 256
	// ContentType is the media type of the rendered label.
	ContentType = "image/png"

	dataURLPrefix = "data:" + ContentType + ";base64,"
)

// Label is a rendered QR image and its embeddable data URL.
type Label struct {
	PNG     []byte
	DataURL string
}

// EncodingError reports that an identifier could not be rendered as a QR code.
type EncodingError struct {
	Identifier string
	Err        error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encode label for %q: %v", e.Identifier, e.Err)
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

// Renderer turns an identifier into a label.
type Renderer interface {
	Encode(identifier string) (Label, error)
}

// Encoder renders labels with high error correction at a fixed size so the
// same identifier always yields the same bytes.
type Encoder struct{}

// NewEncoder returns a label encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Encode renders identifier as a PNG QR code.
func (e *Encoder) Encode(identifier string) (Label, error) {
	if strings.TrimSpace(identifier) == "" {
		return Label{}, &EncodingError{Identifier: identifier, Err: fmt.Errorf("identifier is empty")}
	}
	png, err := qrcode.Encode(identifier, qrcode.High, Size)
	if err != nil {
		return Label{}, &EncodingError{Identifier: identifier, Err: err}
	}
	return Label{PNG: png, DataURL: DataURL(png)}, nil
}

// DataURL wraps a PNG as a base64 data URL.
func DataURL(png []byte) string {
	return dataURLPrefix + base64.StdEncoding.EncodeToString(png)
}

// DecodeDataURL extracts the PNG bytes from a data URL produced by DataURL.
func DecodeDataURL(dataURL string) ([]byte, error) {
	if !strings.HasPrefix(dataURL, dataURLPrefix) {
		return nil, fmt.Errorf("label data url must start with %q", dataURLPrefix)
	}
	return base64.StdEncoding.DecodeString(strings.TrimPrefix(dataURL, dataURLPrefix))
}
