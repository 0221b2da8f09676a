// Package dfserr holds the error taxonomy shared by the coordinator, agents and client.
package dfserr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrDegraded         = errors.New("degraded allocation")
	ErrTransferFailure  = errors.New("transfer failure")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrNodeTimeout      = errors.New("node heartbeat timeout")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrUnavailable      = errors.New("no alive datanodes")
)

// HTTPStatus maps an error to the status code used on the wire.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrChecksumMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrTransferFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// FromStatus rebuilds a taxonomy error from a response status and body message.
func FromStatus(code int, msg string) error {
	msg = strings.TrimSpace(msg)
	var base error
	switch code {
	case http.StatusNotFound:
		base = ErrNotFound
	case http.StatusConflict:
		base = ErrConflict
	case http.StatusUnprocessableEntity:
		base = ErrChecksumMismatch
	case http.StatusBadRequest:
		base = ErrInvalidArgument
	case http.StatusServiceUnavailable:
		base = ErrUnavailable
	default:
		base = ErrTransferFailure
	}
	if msg == "" {
		return fmt.Errorf("%w (status %d)", base, code)
	}
	return fmt.Errorf("%w: %s", base, msg)
}

// IsTerminal reports whether an error must not be retried against the same source.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrChecksumMismatch)
}
