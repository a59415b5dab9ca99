// Package upstream issues the proxied HTTP calls to backend providers. The
// Invoker interface keeps the handlers testable without a live backend.
package upstream

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/andybalholm/brotli"
)

// Call describes one upstream request. URL and auth header come from the
// provider for the resolved family; Body is the already-translated payload.
type Call struct {
	Method string
	URL    string
	APIKey string
	Header http.Header
	Body   []byte
}

// Invoker performs upstream calls. The context carries the client's
// lifetime: a client disconnect cancels the upstream request too.
type Invoker interface {
	Do(ctx context.Context, call Call) (*http.Response, error)
}

// HTTPInvoker is the production Invoker, backed by a shared http.Client.
// Streaming responses need an unbounded overall timeout, so only the dial
// and header phases are capped.
type HTTPInvoker struct {
	client *http.Client
}

func NewHTTPInvoker() *HTTPInvoker {
	return &HTTPInvoker{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   16,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: 5 * time.Minute,
			},
		},
	}
}

func (i *HTTPInvoker) Do(ctx context.Context, call Call) (*http.Response, error) {
	method := call.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, call.URL, bytes.NewReader(call.Body))
	if err != nil {
		return nil, err
	}

	if call.Header != nil {
		req.Header = call.Header
	}

	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	return i.client.Do(req)
}

// DecompressedBody wraps the response body with the decoder the upstream
// chose. Callers close the returned reader, which closes the body too.
func DecompressedBody(resp *http.Response) (io.ReadCloser, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gzipReader, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}

		return &wrappedReader{Reader: gzipReader, closer: resp.Body}, nil
	case "br":
		return &wrappedReader{Reader: brotli.NewReader(resp.Body), closer: resp.Body}, nil
	default:
		return resp.Body, nil
	}
}

type wrappedReader struct {
	io.Reader
	closer io.Closer
}

func (r *wrappedReader) Close() error {
	return r.closer.Close()
}
