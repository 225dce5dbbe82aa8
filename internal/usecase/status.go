package usecase

import "net/http"

// HTTPStatus maps an error code to the status reported to API callers.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case ErrorInvalidInput, ErrorUnrecognized:
		return http.StatusBadRequest
	case ErrorNotFound:
		return http.StatusNotFound
	case ErrorRateLimited:
		return http.StatusTooManyRequests
	case ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Describe returns the code and HTTP status for err. Errors that carry no
// code are internal.
func Describe(err error) (ErrorCode, int) {
	code, ok := CodeOf(err)
	if !ok {
		code = ErrorInternal
	}
	return code, code.HTTPStatus()
}
