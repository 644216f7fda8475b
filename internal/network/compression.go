// internal/network/compression.go
package network

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// acceptEncoding is advertised on every request that does not set its own.
const acceptEncoding = "br, gzip, deflate"

// decoder wraps r with the reader for one Content-Encoding token.
type decoder func(r io.Reader) (io.ReadCloser, error)

var decoders = map[string]decoder{
	"gzip":    newGzipDecoder,
	"x-gzip":  newGzipDecoder,
	"br":      newBrotliDecoder,
	"deflate": newDeflateDecoder,
}

func newGzipDecoder(r io.Reader) (io.ReadCloser, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("gzip initialization error: %w", err)
	}
	return zr, nil
}

func newBrotliDecoder(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(brotli.NewReader(r)), nil
}

// newDeflateDecoder accepts zlib-wrapped (RFC 1950) and raw (RFC 1951) streams;
// servers send either one as "deflate". The zlib header is sniffed, not guessed.
func newDeflateDecoder(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	if head, err := br.Peek(2); err == nil && hasZlibHeader(head) {
		zr, err := zlib.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("deflate initialization error: %w", err)
		}
		return zr, nil
	}
	return flate.NewReader(br), nil
}

// hasZlibHeader checks CMF/FLG: method 8, window <= 32K, and the mod 31 check.
func hasZlibHeader(b []byte) bool {
	if len(b) < 2 {
		return false
	}
	cmf, flg := uint16(b[0]), uint16(b[1])
	return cmf&0x0f == 8 && cmf>>4 <= 7 && (cmf<<8|flg)%31 == 0
}

// contentEncodings flattens every Content-Encoding header into lowercase tokens,
// in the order the encodings were applied. identity is dropped.
func contentEncodings(h http.Header) []string {
	var out []string
	for _, v := range h.Values("Content-Encoding") {
		for _, tok := range strings.Split(v, ",") {
			tok = strings.ToLower(strings.TrimSpace(tok))
			if tok != "" && tok != "identity" {
				out = append(out, tok)
			}
		}
	}
	return out
}

// decodedBody reads through a chain of decoders and closes all of them,
// the network body last.
type decodedBody struct {
	io.Reader
	closers []io.Closer
}

func (b *decodedBody) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i].Close())
	}
	return errors.Join(errs...)
}

// DecompressResponse replaces resp.Body with a reader that undoes every
// Content-Encoding, last applied first. On success the encoding and length
// headers are removed and resp.Uncompressed is set. On error resp.Body is left
// in place for the caller to close.
func DecompressResponse(resp *http.Response) error {
	if resp == nil || resp.Body == nil || len(resp.Header.Values("Content-Encoding")) == 0 {
		return nil
	}

	encodings := contentEncodings(resp.Header)
	body := &decodedBody{Reader: resp.Body, closers: []io.Closer{resp.Body}}
	for i := len(encodings) - 1; i >= 0; i-- {
		dec, ok := decoders[encodings[i]]
		if !ok {
			return fmt.Errorf("unsupported Content-Encoding layer: %s", encodings[i])
		}
		rc, err := dec(body.Reader)
		if err != nil {
			return err
		}
		body.Reader = rc
		body.closers = append(body.closers, rc)
	}

	resp.Body = body
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

// CompressionMiddleware is an http.RoundTripper that advertises br/gzip/deflate
// and hands back decoded bodies, so pages and stylesheets parse as plain text.
type CompressionMiddleware struct {
	Transport http.RoundTripper
}

// NewCompressionMiddleware wraps transport; nil means http.DefaultTransport.
func NewCompressionMiddleware(transport http.RoundTripper) *CompressionMiddleware {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &CompressionMiddleware{Transport: transport}
}

// RoundTrip implements http.RoundTripper.
func (cm *CompressionMiddleware) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		// RoundTrippers must not mutate the caller's request.
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", acceptEncoding)
	}

	resp, err := cm.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := DecompressResponse(resp); err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("failed to decode %s response: %w", req.URL.Redacted(), err)
	}
	return resp, nil
}
