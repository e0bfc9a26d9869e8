// Package codec wraps the two wire-format transforms the command pipeline
// applies to shell output: deflate compression and base64 encoding.
//
// The wire format is a zlib stream (a 2-byte header and an Adler-32
// trailer around the deflate data), not raw deflate, so compress/zlib is
// used rather than compress/flate.
package codec

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"fmt"
	"io"
)

// Deflate compresses p at the fastest compression level. The empty input is
// accepted and yields a short, valid, decompressible frame rather than an
// error — callers rely on this for zero-byte shell output.
func Deflate(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, zlib.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("codec: new deflate writer: %w", err)
	}
	if _, err := w.Write(p); err != nil {
		return nil, fmt.Errorf("codec: deflate write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("codec: deflate close: %w", err)
	}
	return buf.Bytes(), nil
}

// Inflate reverses Deflate. Truncated or corrupt input, including an empty
// buffer, is an error.
func Inflate(p []byte) ([]byte, error) {
	if len(p) == 0 {
		return nil, fmt.Errorf("codec: inflate: empty input")
	}
	r, err := zlib.NewReader(bytes.NewReader(p))
	if err != nil {
		return nil, fmt.Errorf("codec: inflate: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("codec: inflate: %w", err)
	}
	return out, nil
}

// B64Encode returns the standard padded base64 alphabet encoding of p. The
// empty input yields the empty string.
func B64Encode(p []byte) string {
	return base64.StdEncoding.EncodeToString(p)
}

// B64Decode reverses B64Encode. Non-alphabet bytes and zero-length input are
// rejected with an error; canonical padded input is accepted.
func B64Decode(s string) ([]byte, error) {
	if len(s) == 0 {
		return nil, fmt.Errorf("codec: base64 decode: empty input")
	}
	out, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("codec: base64 decode: %w", err)
	}
	return out, nil
}

// CompressAndEncode is the shell-result pipeline: deflate then base64,
// matching the wire form `base64(deflate(raw_output_bytes))`.
func CompressAndEncode(p []byte) (string, error) {
	deflated, err := Deflate(p)
	if err != nil {
		return "", err
	}
	return B64Encode(deflated), nil
}
