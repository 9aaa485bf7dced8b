package apperr

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeItemNotFound        Code = "ITEM_NOT_FOUND"
	CodeItemInactive        Code = "ITEM_INACTIVE"
	CodeInsufficientStock   Code = "INSUFFICIENT_STOCK"
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeInvalidOrderState   Code = "INVALID_ORDER_STATE"
	CodeInvalidSignature    Code = "INVALID_SIGNATURE"
	CodeAccessDenied        Code = "ACCESS_DENIED"
	CodeValidation          Code = "VALIDATION_FAILED"
	CodeConflict            Code = "REQUEST_IN_PROGRESS"
	CodeNotFound            Code = "NOT_FOUND"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeGateway             Code = "GATEWAY_ERROR"
	CodeInternal            Code = "INTERNAL_ERROR"
)

// Metadata describes how a code is surfaced at the HTTP boundary.
type Metadata struct {
	HTTPStatus     int
	PublicMessage  string
	DetailsAllowed bool
}

var metadataByCode = map[Code]Metadata{
	CodeItemNotFound:        {HTTPStatus: http.StatusBadRequest, PublicMessage: "catalog item not found", DetailsAllowed: true},
	CodeItemInactive:        {HTTPStatus: http.StatusBadRequest, PublicMessage: "catalog item is no longer available", DetailsAllowed: true},
	CodeInsufficientStock:   {HTTPStatus: http.StatusBadRequest, PublicMessage: "insufficient stock", DetailsAllowed: true},
	CodeInsufficientBalance: {HTTPStatus: http.StatusBadRequest, PublicMessage: "insufficient deposit balance", DetailsAllowed: true},
	CodeInvalidOrderState:   {HTTPStatus: http.StatusBadRequest, PublicMessage: "operation not allowed in the current order state", DetailsAllowed: true},
	CodeInvalidSignature:    {HTTPStatus: http.StatusBadRequest, PublicMessage: "payment signature verification failed", DetailsAllowed: false},
	CodeAccessDenied:        {HTTPStatus: http.StatusForbidden, PublicMessage: "access denied", DetailsAllowed: false},
	CodeValidation:          {HTTPStatus: http.StatusBadRequest, PublicMessage: "validation failed", DetailsAllowed: true},
	CodeConflict:            {HTTPStatus: http.StatusConflict, PublicMessage: "a request with this idempotency key is in progress", DetailsAllowed: false},
	CodeNotFound:            {HTTPStatus: http.StatusNotFound, PublicMessage: "resource not found", DetailsAllowed: false},
	CodeUnauthorized:        {HTTPStatus: http.StatusUnauthorized, PublicMessage: "authentication required", DetailsAllowed: false},
	CodeGateway:             {HTTPStatus: http.StatusBadGateway, PublicMessage: "payment gateway unavailable", DetailsAllowed: false},
	CodeInternal:            {HTTPStatus: http.StatusInternalServerError, PublicMessage: "internal server error", DetailsAllowed: false},
}

func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

type Error struct {
	code    Code
	message string
	details map[string]any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() map[string]any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details map[string]any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// As returns the first *Error in err's chain, or nil.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	if typed := As(err); typed != nil {
		return typed.code == code
	}
	return false
}

func ItemNotFound(itemID string) *Error {
	return New(CodeItemNotFound, fmt.Sprintf("catalog item %s not found", itemID)).
		WithDetails(map[string]any{"item_id": itemID})
}

func ItemInactive(itemID, name string) *Error {
	return New(CodeItemInactive, fmt.Sprintf("%s is no longer available", displayName(itemID, name))).
		WithDetails(map[string]any{"item_id": itemID})
}

func InsufficientStock(itemID, name string, available, requested int) *Error {
	return New(CodeInsufficientStock,
		fmt.Sprintf("only %d of %s available, %d requested", available, displayName(itemID, name), requested)).
		WithDetails(map[string]any{
			"item_id":   itemID,
			"available": available,
			"requested": requested,
		})
}

func InsufficientBalance(balance, required int64) *Error {
	return New(CodeInsufficientBalance,
		fmt.Sprintf("deposit balance %d is short of %d by %d", balance, required, required-balance)).
		WithDetails(map[string]any{
			"balance":   balance,
			"required":  required,
			"shortfall": required - balance,
		})
}

func InvalidOrderState(message string) *Error {
	return New(CodeInvalidOrderState, message)
}

func Validation(message string) *Error {
	return New(CodeValidation, message)
}

func displayName(itemID, name string) string {
	if name != "" {
		return name
	}
	return "item " + itemID
}
