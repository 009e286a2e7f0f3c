package httputil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// maxBodySize caps the size of a response body read into memory.
const maxBodySize = 1 << 30

// RetryFunc decides whether a request is retried. It receives the status
// code (zero when no response was received) and the transport error. A
// non-nil returned error aborts the retry loop.
type RetryFunc func(status int, err error) (bool, error)

// RetryOptions controls the retry loop.
type RetryOptions struct {
	// RequestTimeout bounds a single attempt.
	RequestTimeout time.Duration
	// RetryInterval is the wait between attempts.
	RetryInterval time.Duration
	// RetryCount is the maximum number of attempts. A negative value retries forever.
	RetryCount int
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Body       []byte
}

// RetryOnUnavailable retries transport errors and 502/503/504 responses,
// which is how a server that is still starting up behaves.
func RetryOnUnavailable(status int, err error) (bool, error) {
	if err != nil {
		return true, nil
	}
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true, nil
	}
	return false, nil
}

// SendHTTPRequestWithRetry sends a JSON request and retries it as long as
// retry allows. The response of the last attempt is returned.
func SendHTTPRequestWithRetry(
	ctx context.Context,
	client *http.Client,
	url url.URL,
	httpMethod string,
	data []byte,
	retry RetryFunc,
	opts RetryOptions,
) (*Response, error) {
	var lastErr error
	for attempt := 1; opts.RetryCount < 0 || attempt <= opts.RetryCount; attempt++ {
		resp, err := send(ctx, client, url, httpMethod, data, opts.RequestTimeout)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var status int
		if err == nil {
			status = resp.StatusCode
		}
		ok, rerr := retry(status, err)
		if rerr != nil {
			return nil, rerr
		}
		if !ok {
			if err != nil {
				return nil, err
			}
			return resp, nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("status %d", status)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.RetryInterval):
		}
	}
	return nil, fmt.Errorf("retry count exceeded: %s", lastErr)
}

// Send sends a single JSON request without retrying.
func Send(ctx context.Context, client *http.Client, url url.URL, httpMethod string, data []byte, timeout time.Duration) (*Response, error) {
	return send(ctx, client, url, httpMethod, data, timeout)
}

func send(ctx context.Context, client *http.Client, url url.URL, httpMethod string, data []byte, timeout time.Duration) (*Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var body io.Reader
	if data != nil {
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, httpMethod, url.String(), body)
	if err != nil {
		return nil, fmt.Errorf("request creation error: %s", err)
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	bs, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("read response body: %s", err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: bs}, nil
}
