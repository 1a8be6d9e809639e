// Package proxy forwards single HTTP request/response pairs to a session's
// backend on the loopback interface.
package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/brentyi/viser-gradio-embed/internal/model"
)

// Forwarder proxies HTTP requests to backends at http://127.0.0.1:<port>.
// It is stateless per call and safe for concurrent use.
type Forwarder struct {
	client *http.Client
}

// NewForwarder creates a forwarder with a shared transport. Transport
// compression is disabled so response bytes pass through unmodified; the
// request side forces Accept-Encoding: identity for the same reason.
func NewForwarder() *Forwarder {
	return &Forwarder{
		client: &http.Client{
			Transport: &http.Transport{
				DisableCompression:  true,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
			},
			// Redirects from the backend are passed through verbatim, not
			// followed.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Forward proxies one request to the backend on port and streams the
// response back through w. The path must start with "/"; the inbound query
// string is preserved. Returns model.ErrBackendUnreachable when the backend
// cannot be dialed.
func (f *Forwarder) Forward(ctx context.Context, port int, w http.ResponseWriter, r *http.Request, path string) error {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	target := url.URL{
		Scheme:   "http",
		Host:     fmt.Sprintf("127.0.0.1:%d", port),
		Path:     path,
		RawQuery: r.URL.RawQuery,
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), r.Body)
	if err != nil {
		return fmt.Errorf("building proxied request: %w", err)
	}
	req.ContentLength = r.ContentLength

	// Forward the original headers. The inbound Host never reaches the
	// backend: the server put it in r.Host rather than the header map, and
	// the outgoing request derives its Host from the loopback target URL, so
	// the backend cannot reject on host mismatch. Disabling compression
	// keeps the body a byte-for-byte passthrough.
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.client.Do(req)
	if err != nil {
		// Any transport-level failure on a loopback target means the backend
		// is down or not yet bound.
		return fmt.Errorf("%w: %v", model.ErrBackendUnreachable, err)
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	// Stream rather than buffer: bodies can be large (mesh data, textures).
	if _, err := io.Copy(w, resp.Body); err != nil {
		// The response is already committed; nothing to surface to the
		// client beyond the truncated body.
		return fmt.Errorf("streaming response body: %w", err)
	}
	return nil
}

// copyHeaders copies all values for all keys from src into dst.
func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
