package util

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// maxBodyBytes bounds how much of an upstream body is ever read.
const maxBodyBytes = 16 << 20

// DecodeBody reads body and undoes the given Content-Encoding
// (gzip, deflate, br, zstd, or identity).
func DecodeBody(body io.Reader, contentEncoding string) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	limited := io.LimitReader(body, maxBodyBytes)
	var reader io.Reader
	switch enc := strings.ToLower(strings.TrimSpace(contentEncoding)); enc {
	case "", "identity":
		reader = limited
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(limited)
		if err != nil {
			return nil, fmt.Errorf("decode gzip body: %w", err)
		}
		defer func() { _ = gz.Close() }()
		reader = gz
	case "deflate":
		fl := flate.NewReader(limited)
		defer func() { _ = fl.Close() }()
		reader = fl
	case "br":
		reader = brotli.NewReader(limited)
	case "zstd":
		dec, err := zstd.NewReader(limited)
		if err != nil {
			return nil, fmt.Errorf("decode zstd body: %w", err)
		}
		defer dec.Close()
		reader = dec
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", contentEncoding)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(reader, maxBodyBytes)); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return buf.Bytes(), nil
}

// SummarizePayload trims a payload for log output.
func SummarizePayload(payload []byte) string {
	const max = 512
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > max {
		return string(trimmed[:max]) + "...(truncated)"
	}
	return string(trimmed)
}
