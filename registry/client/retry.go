package client

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/distribution/imagebuilder/internal/dcontext"
	"github.com/hashicorp/go-retryablehttp"
)

// checkRetry retries network errors, 429 and 5xx responses. Requests run on
// a detached context, so the caller's cancellation is taken from its parent.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err != nil && strings.Contains(err.Error(), "server gave HTTP response to HTTPS client") {
		return false, err
	}

	retry, perr := retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	if !retry {
		return false, perr
	}
	if cerr := dcontext.Parent(ctx).Err(); cerr != nil {
		return false, cerr
	}
	return true, nil
}

// prepareRetry stops retrying once the caller is gone.
func prepareRetry(req *http.Request) error {
	return dcontext.Parent(req.Context()).Err()
}

func logRetry(_ retryablehttp.Logger, req *http.Request, attempt int) {
	if attempt == 0 {
		return
	}
	dcontext.GetLoggerWithField(req.Context(), "attempt", attempt+1).
		Infof("retrying %s %s", req.Method, req.URL.Redacted())
}

// passthroughErrorHandler hands the last response to the caller, which turns
// it into a RegistryError with the status and error code.
func passthroughErrorHandler(resp *http.Response, err error, attempts int) (*http.Response, error) {
	if resp != nil {
		return resp, nil
	}
	return nil, fmt.Errorf("giving up after %d attempt(s): %w", attempts, err)
}
