package backend

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/getlantern/authkeeper/traces"
)

// NewTransport returns the base transport every backend request ends up on: traced, and
// retried up to retryMax times when no response was received at all. Responses, including 401
// and 5xx, are passed through untouched.
func NewTransport(retryMax int) http.RoundTripper {
	rc := retryablehttp.NewClient()
	rc.RetryMax = max(retryMax, 0)
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = slog.Default()
	rc.CheckRetry = retryConnectionErrors
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.HTTPClient.Transport = traces.NewRoundTripper(rc.HTTPClient.Transport)
	rc.HTTPClient.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &retryablehttp.RoundTripper{Client: rc}
}

func retryConnectionErrors(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}
