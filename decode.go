package mitmproxy

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Content encodings understood by the body decoder.
const (
	EncodingGzip    = "gzip"
	EncodingZstd    = "zstd"
	EncodingBrotli  = "br"
	EncodingDeflate = "deflate"
)

// DecodeBody decompresses data according to the Content-Encoding value.
// Unknown or empty encodings return the data unchanged.
func DecodeBody(data []byte, encoding string) ([]byte, error) {
	var r io.Reader

	switch encoding {
	case "", "identity":
		return data, nil

	case EncodingGzip:
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer gr.Close()
		r = gr

	case EncodingZstd:
		zr, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer zr.Close()
		r = zr.IOReadCloser()

	case EncodingBrotli:
		r = brotli.NewReader(bytes.NewReader(data))

	case EncodingDeflate:
		fr := flate.NewReader(bytes.NewReader(data))
		defer fr.Close()
		r = fr

	default:
		return data, nil
	}

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decode %s body: %w", encoding, err)
	}
	return out, nil
}

// DecodeResponse decompresses the response body in place so intercepted
// bodies are inspectable regardless of how the server encoded them. On
// success the Content-Encoding header is dropped and Content-Length
// corrected. A body that fails to decode is left as-is.
func DecodeResponse(resp *Response) error {
	if resp == nil || resp.Headers == nil {
		return nil
	}
	encoding := resp.Headers.Get("Content-Encoding")
	if encoding == "" || encoding == "identity" {
		return nil
	}

	decoded, err := DecodeBody(resp.Body, encoding)
	if err != nil {
		return err
	}

	resp.Body = decoded
	resp.Headers.Del("Content-Encoding")
	if resp.Headers.Get("Content-Length") != "" {
		resp.Headers.Set("Content-Length", strconv.Itoa(len(decoded)))
	}
	return nil
}

// stripCacheHeaders removes client cache-revalidation headers so origin
// servers always return full responses instead of 304s.
func stripCacheHeaders(req *Request) {
	if req == nil || req.Headers == nil {
		return
	}
	req.Headers.Del("If-Modified-Since")
	req.Headers.Del("If-None-Match")
}
