package api

import (
	"errors"
	"net/http"

	"github.com/robot-control/roc/internal/adapter"
	"github.com/robot-control/roc/internal/command"
	"github.com/robot-control/roc/internal/service"
)

// WriteDomainError maps a runtime error onto the API code table and writes the
// envelope. The mapping is checked in taxonomy order so wrapped vendor errors
// resolve through their normalized sentinel.
func WriteDomainError(w http.ResponseWriter, err error) {
	code, status, message := classify(err)

	var details any
	var vendorErr *adapter.VendorError
	if errors.As(err, &vendorErr) {
		details = vendorErr.Details
	}

	WriteError(w, status, code, message, details)
}

func classify(err error) (code string, status int, message string) {
	switch {
	case errors.Is(err, adapter.ErrInvalidParameter):
		return "BAD_REQUEST", http.StatusBadRequest, "Malformed or out-of-bounds parameter"
	case errors.Is(err, service.ErrUnsupportedCapability):
		return "UNSUPPORTED_CAPABILITY", http.StatusBadRequest, "Capability not advertised by target robot"
	case errors.Is(err, adapter.ErrPreconditionNotMet):
		return "PRECONDITION_NOT_MET", http.StatusConflict, "Required robot state or connectivity is absent"
	case errors.Is(err, adapter.ErrConflict):
		return "CONFLICT", http.StatusConflict, "Mode lease is held by another command"
	case errors.Is(err, adapter.ErrSafetyViolation):
		return "SAFETY_VIOLATION", http.StatusConflict, "Safety rule breached during execution"
	case errors.Is(err, adapter.ErrTimeout):
		return "TIMEOUT", http.StatusGatewayTimeout, "Robot did not respond within the deadline"
	case errors.Is(err, adapter.ErrTransport):
		return "TRANSPORT", http.StatusBadGateway, "Communication with the robot failed"
	case errors.Is(err, adapter.ErrResidualState):
		return "RESIDUAL_STATE", http.StatusInternalServerError, "Execution left residual state behind"
	case errors.Is(err, command.ErrVerificationFailed):
		return "VERIFICATION_FAILED", http.StatusConflict, "Goal postcondition did not hold"
	case errors.Is(err, command.ErrNotFound), errors.Is(err, service.ErrNotFound):
		return "NOT_FOUND", http.StatusNotFound, "Resource not found"
	default:
		return "INTERNAL", http.StatusInternalServerError, "Internal server error"
	}
}
