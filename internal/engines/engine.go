package engines

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"imagesource/risservice/internal/domain"
)

var (
	// ErrUnavailable covers transport-level failures: DNS, connect,
	// timeouts, 5xx. The engine may recover, callers should back off.
	ErrUnavailable = errors.New("search engine unavailable")
	// ErrBadResponse covers a reachable engine answering with a payload
	// that does not parse as expected.
	ErrBadResponse = errors.New("search engine returned an unparseable response")
	// ErrRateLimited is surfaced on HTTP 429 so the caller can block the
	// engine instead of retrying into the limit.
	ErrRateLimited = errors.New("search engine rate limited the request")
)

// Engine is one reverse image search backend. Search streams every hit
// it finds into the shared channel and returns only after the backend
// response is fully consumed; it never closes the channel, the caller
// owns it. A non-nil error means the branch failed, hits already sent
// remain valid.
type Engine interface {
	Name() string
	Info() domain.EngineInfo
	Search(ctx context.Context, imageURL, imageID string, hits chan<- domain.SearchHit) error
}

// SendHit forwards one hit unless the search was cancelled.
func SendHit(ctx context.Context, hits chan<- domain.SearchHit, hit domain.SearchHit) error {
	select {
	case hits <- hit:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClassifyHTTPError maps a response status to one of the sentinel errors.
func ClassifyHTTPError(engine string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	detail := strings.TrimSpace(string(body))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s HTTP %d", ErrRateLimited, engine, resp.StatusCode)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s HTTP %d: %s", ErrUnavailable, engine, resp.StatusCode, detail)
	default:
		return fmt.Errorf("%w: %s HTTP %d: %s", ErrBadResponse, engine, resp.StatusCode, detail)
	}
}

// ClassifyTransportError wraps network-shaped failures as ErrUnavailable
// and passes cancellation through untouched.
func ClassifyTransportError(engine string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, engine, err)
	}
	return fmt.Errorf("%s: %w", engine, err)
}
