package httpapi

import "errors"

var (
	// ErrRouteNotFound indicates the request path matched no registered route.
	ErrRouteNotFound = errors.New("httpapi: route not found")

	// ErrDispatcherStopped indicates a message was sent to a dispatcher that
	// has already shut down.
	ErrDispatcherStopped = errors.New("httpapi: dispatcher stopped")

	// ErrCodecMalformed indicates a log payload could not be decoded into a
	// request.
	ErrCodecMalformed = errors.New("httpapi: malformed request payload")

	// ErrRateLimited indicates the write was rejected by the rate limiter.
	ErrRateLimited = errors.New("httpapi: request rate limited")
)
