// Package faults maps the control plane error taxonomy onto errdefs classes.
//
// Configuration errors are rejected before any side effect and surface as
// client errors. Transport errors cover failures reaching a Unix socket, a
// remote host agent, or the hypervisor API, and surface as gateway errors.
// Conflict errors cover contested resources such as host ports.
package faults

import (
	"fmt"
	"net/http"

	"github.com/containerd/errdefs"
)

// Configurationf returns a configuration error (malformed or missing
// required fields).
func Configurationf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), errdefs.ErrInvalidArgument)
}

// Transportf returns a transport error (unreachable socket, agent, or
// hypervisor API).
func Transportf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), errdefs.ErrUnavailable)
}

// Conflictf returns a resource conflict error (e.g. host port already taken).
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), errdefs.ErrConflict)
}

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool { return errdefs.IsInvalidArgument(err) }

// IsTransport reports whether err is a transport error.
func IsTransport(err error) bool { return errdefs.IsUnavailable(err) }

// IsConflict reports whether err is a resource conflict error.
func IsConflict(err error) bool { return errdefs.IsConflict(err) }

// HTTPStatus maps an error to the HTTP status code used by the agent and
// control surfaces.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errdefs.IsInvalidArgument(err):
		return http.StatusBadRequest
	case errdefs.IsNotFound(err):
		return http.StatusNotFound
	case errdefs.IsConflict(err):
		return http.StatusConflict
	case errdefs.IsUnavailable(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
