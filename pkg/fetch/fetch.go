package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ruthvik1904/kai-cyber-dashboard/pkg/types"
)

// NetworkError is a non-2xx response from the document endpoint.
type NetworkError struct {
	StatusCode int
	Status     string
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("unexpected response status: %s", e.Status)
}

// TransportError is a failure of the request or of the body stream itself,
// as opposed to a well-formed error response.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure: %s", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

type options struct {
	url      string
	client   *http.Client
	progress types.ProgressFunc
}

type Option interface {
	apply(*options)
}

type urlOption string

func (o urlOption) apply(opts *options) {
	opts.url = string(o)
}

func WithURL(url string) Option {
	return urlOption(url)
}

type clientOption struct {
	client *http.Client
}

func (o clientOption) apply(opts *options) {
	opts.client = o.client
}

func WithClient(client *http.Client) Option {
	return clientOption{client: client}
}

type progressOption types.ProgressFunc

func (o progressOption) apply(opts *options) {
	opts.progress = types.ProgressFunc(o)
}

func WithProgress(f types.ProgressFunc) Option {
	return progressOption(f)
}

const readChunkSize = 32 * 1024

// Fetch retrieves the raw document in a single attempt. When the response
// declares a Content-Length the body is consumed in chunks and progress is
// reported as a percentage of it; otherwise the body is read whole with a
// single 0% -> 100% transition. Retry policy belongs to the caller.
func Fetch(ctx context.Context, opts ...Option) (string, error) {
	options := &options{
		client: http.DefaultClient,
	}
	for _, o := range opts {
		o.apply(options)
	}

	emit := func(progress int, message string) {
		if options.progress != nil {
			options.progress(types.Progress{
				Stage:    types.StageFetching,
				Progress: progress,
				Total:    100,
				Message:  message,
			})
		}
	}

	emit(0, "Fetching vulnerability data...")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, options.url, nil)
	if err != nil {
		return "", &TransportError{Err: err}
	}

	res, err := options.client.Do(req)
	if err != nil {
		return "", &TransportError{Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return "", &NetworkError{StatusCode: res.StatusCode, Status: res.Status}
	}

	if res.ContentLength <= 0 {
		// Length unknown, no incremental percentage to report.
		bs, err := io.ReadAll(res.Body)
		if err != nil {
			return "", &TransportError{Err: err}
		}
		emit(100, "Fetch complete")
		return string(bs), nil
	}

	var sb strings.Builder
	sb.Grow(int(res.ContentLength))
	buf := make([]byte, readChunkSize)
	var received int64
	for {
		n, err := res.Body.Read(buf)
		if n > 0 {
			sb.Write(buf[:n])
			received += int64(n)
			percent := int(received * 100 / res.ContentLength)
			if percent > 100 {
				percent = 100
			}
			emit(percent, fmt.Sprintf("Fetching: %dMB", received/1024/1024))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", &TransportError{Err: err}
		}
	}

	emit(100, "Fetch complete")
	return sb.String(), nil
}
