package transport

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/net/html/charset"
)

// decodeBody reverses a Content-Encoding. It returns nil without error when
// the body is not encoded or uses an unknown coding.
func decodeBody(raw []byte, encoding string) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var (
		reader io.Reader
		err    error
	)
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip", "x-gzip":
		reader, err = gzip.NewReader(bytes.NewReader(raw))
	case "deflate":
		// Servers send both zlib-wrapped and raw deflate under this name.
		if zr, zerr := zlib.NewReader(bytes.NewReader(raw)); zerr == nil {
			reader = zr
		} else {
			reader = flate.NewReader(bytes.NewReader(raw))
		}
	case "br":
		reader = brotli.NewReader(bytes.NewReader(raw))
	case "zstd":
		dec, derr := zstd.NewReader(bytes.NewReader(raw))
		if derr != nil {
			return nil, fmt.Errorf("zstd: %w", derr)
		}
		defer dec.Close()
		reader = dec
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", encoding, err)
	}
	out, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", encoding, err)
	}
	return out, nil
}

// toUTF8 converts text bodies declared in another charset.
func toUTF8(raw []byte, contentType string) []byte {
	label := mediaCharset(contentType)
	if label == "" || label == "utf-8" || label == "utf8" {
		return raw
	}
	r, err := charset.NewReaderLabel(label, bytes.NewReader(raw))
	if err != nil {
		return raw
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return raw
	}
	return out
}
