package api

import (
	"errors"
	"net/http"

	"github.com/proxypool/proxypool/internal/lease"
)

// writeInvalidArgument writes an INVALID_ARGUMENT-class 400 response for a
// malformed request body or query parameter.
func writeInvalidArgument(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, message)
}

// writeLeaseError maps Lease Manager errors to HTTP status codes per the
// error taxonomy: LeaseExhausted -> 404, LeaseMismatch -> 400.
func writeLeaseError(w http.ResponseWriter, err error) {
	var noCandidate lease.ErrNoCandidate
	var mismatch lease.ErrLeaseMismatch

	switch {
	case errors.As(err, &noCandidate):
		WriteError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &mismatch):
		WriteError(w, http.StatusBadRequest, err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, "internal server error")
	}
}
