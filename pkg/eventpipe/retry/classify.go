package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
)

// IsRetryable reports whether a failed delivery should be attempted again.
//
// status is the HTTP status observed by the caller, or 0 when none is
// known. An explicit status wins over anything carried by err, and an
// explicit *CategorizedError wins over the error's shape. Server errors,
// 429 and 408 are retryable; every other status is not. Without a status,
// only network-transport failures are retryable.
func IsRetryable(err error, status int) bool {
	if status != 0 {
		return retryableStatus(status)
	}
	if err == nil {
		return false
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category == CategoryTransient
	}
	if status = statusOf(err); status != 0 {
		return retryableStatus(status)
	}
	return isNetworkFailure(err)
}

// Categorize determines how an error should be handled.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent // shouldn't happen, fail safe
	}
	if IsRetryable(err, 0) {
		return CategoryTransient
	}
	return CategoryPermanent
}

func retryableStatus(status int) bool {
	switch {
	case status >= 500 && status < 600:
		return true
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return true
	default:
		return false
	}
}

func statusOf(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return 0
}

func isNetworkFailure(err error) bool {
	// A cancelled caller is not a transport failure even though net wraps
	// it in *net.OpError.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return !errors.Is(netErr.Err, context.Canceled)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var ne net.Error
	return errors.As(err, &ne)
}
