package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Normalized error taxonomy shared by every component. The Command Executor
// alone decides retry versus terminal transition for each code.
var (
	// ErrInvalidParameter: rejected before dispatch, fatal.
	ErrInvalidParameter = errors.New("INVALID_PARAMETER")

	// ErrPreconditionNotMet: connectivity or capability availability failed, fatal for this attempt.
	ErrPreconditionNotMet = errors.New("PRECONDITION_NOT_MET")

	// ErrConflict: mode lease held by another owner, transient.
	ErrConflict = errors.New("CONFLICT")

	// ErrTransport: vendor transport failure, transient then escalated.
	ErrTransport = errors.New("TRANSPORT_ERROR")

	// ErrTimeout: dispatch or verification window expired, drives Recovering.
	ErrTimeout = errors.New("TIMEOUT_EXCEEDED")

	// ErrSafetyViolation: live threshold breach, always routed through the Emergency Handler.
	ErrSafetyViolation = errors.New("SAFETY_VIOLATION")

	// ErrResidualState: unsafe leftover state detected post-execution, forces Recovering.
	ErrResidualState = errors.New("RESIDUAL_STATE_VIOLATION")
)

// VendorMap defines the error token mapping for a specific vendor.
type VendorMap struct {
	Invalid   []string // Tokens that map to INVALID_PARAMETER
	Conflict  []string // Tokens that map to CONFLICT
	Transport []string // Tokens that map to TRANSPORT_ERROR
	Timeout   []string // Tokens that map to TIMEOUT_EXCEEDED
}

// VendorErrorMappings contains the deterministic error mapping tables for all vendors.
//
// Unknown tokens map to TRANSPORT_ERROR so they stay on the bounded-retry path
// rather than silently completing. To extend: add a vendor entry with explicit
// token arrays and a test asserting each token's normalized code.
var VendorErrorMappings = map[string]VendorMap{
	"unitree": {
		Invalid: []string{
			"PARAMETER_OUT_OF_RANGE",
			"INVALID_PARAMETER",
			"RPC_ERR_CLIENT_SEND_PARAM",
			"UNSUPPORTED_GAIT",
			"SPEED_OUT_OF_BOUNDS",
		},
		Conflict: []string{
			"SERVICE_BUSY",
			"MOTION_SWITCHER_BUSY",
			"MODE_OCCUPIED",
			"SPORT_MODE_ACTIVE",
			"LOWLEVEL_STREAM_ACTIVE",
		},
		Transport: []string{
			"SERVICE_NOT_ACTIVATED",
			"ROBOT_OFFLINE",
			"DDS_CHANNEL_CLOSED",
			"RPC_ERR_CLIENT_SEND",
			"CONNECTION_LOST",
		},
		Timeout: []string{
			"RPC_ERR_CLIENT_API_TIMEOUT",
			"API_TIMEOUT",
			"RESPONSE_TIMEOUT",
		},
	},
	"generic": {
		Invalid: []string{
			"OUT_OF_RANGE",
			"INVALID_PARAMETER",
			"BAD_VALUE",
			"RANGE_ERROR",
		},
		Conflict: []string{
			"BUSY",
			"CONFLICT",
			"ALREADY_OWNED",
			"TOO_MANY_REQUESTS",
		},
		Transport: []string{
			"UNAVAILABLE",
			"OFFLINE",
			"NOT_READY",
			"CONNECTION",
		},
		Timeout: []string{
			"TIMEOUT",
			"DEADLINE_EXCEEDED",
		},
	},
}

// VendorError wraps a vendor error with its normalized code and diagnostic payload.
type VendorError struct {
	Code     error // Normalized taxonomy code
	Original error // Vendor error
	Details  any   // Vendor payload (opaque)
}

func (e *VendorError) Error() string {
	return fmt.Sprintf("%v (vendor: %v)", e.Code, e.Original)
}

func (e *VendorError) Unwrap() error {
	return e.Code
}

// NormalizeVendorError maps a vendor error to the unified taxonomy using the generic table.
func NormalizeVendorError(vendorErr error, vendorPayload any) error {
	return NormalizeVendorErrorWithVendor(vendorErr, vendorPayload, "generic")
}

// NormalizeVendorErrorWithVendor maps a vendor error using a specific vendor's table.
func NormalizeVendorErrorWithVendor(vendorErr error, vendorPayload any, vendorID string) error {
	if vendorErr == nil {
		return nil
	}

	// Context cancellation and deadline expiry are timeout-class regardless of vendor.
	if errors.Is(vendorErr, context.DeadlineExceeded) || errors.Is(vendorErr, context.Canceled) {
		return &VendorError{Code: ErrTimeout, Original: vendorErr, Details: vendorPayload}
	}

	code := mapVendorErrorToCode(vendorErr.Error(), vendorID)

	return &VendorError{
		Code:     code,
		Original: vendorErr,
		Details:  vendorPayload,
	}
}

// mapVendorErrorToCode maps a vendor error message to a normalized code using table-driven matching.
func mapVendorErrorToCode(msg string, vendorID string) error {
	vendorMap, exists := VendorErrorMappings[vendorID]
	if !exists {
		vendorMap = VendorErrorMappings["generic"]
	}

	upperMsg := strings.ToUpper(msg)

	for _, token := range vendorMap.Invalid {
		if strings.Contains(upperMsg, token) {
			return ErrInvalidParameter
		}
	}

	for _, token := range vendorMap.Conflict {
		if strings.Contains(upperMsg, token) {
			return ErrConflict
		}
	}

	for _, token := range vendorMap.Timeout {
		if strings.Contains(upperMsg, token) {
			return ErrTimeout
		}
	}

	for _, token := range vendorMap.Transport {
		if strings.Contains(upperMsg, token) {
			return ErrTransport
		}
	}

	// Unknown token stays on the transient path.
	return ErrTransport
}
