package gena

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/upnpgo/upnpcp/internal/uerrors"
)

// httpClient is the minimal facade the subscription manager consumes: a
// synchronous request/response with header access.
// It wraps a plain *http.Client; SUBSCRIBE and UNSUBSCRIBE (a renewal is a
// SUBSCRIBE carrying a SID) are ordinary non-standard HTTP methods, which
// net/http supports without modification.
type httpClient struct {
	client *http.Client
}

func newHTTPClient(timeout time.Duration) *httpClient {
	return &httpClient{client: &http.Client{Timeout: timeout}}
}

// genaResponse is the subset of an HTTP response the manager inspects.
type genaResponse struct {
	StatusCode int
	Header     http.Header
}

func (c *httpClient) do(ctx context.Context, method, url string, headers map[string]string) (*genaResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, &uerrors.IOError{Operation: "build " + method + " request", Details: url, Err: err}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("CONTENT-LENGTH", "0")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &uerrors.IOError{Operation: method, Details: url, Err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	return &genaResponse{StatusCode: resp.StatusCode, Header: resp.Header}, nil
}
