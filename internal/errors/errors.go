package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sdk-batch-processor/internal/types"
)

// Kind tags a processing failure with what went wrong
type Kind string

const (
	// KindAlreadyProcessed means the ledger already recorded the hash
	KindAlreadyProcessed Kind = "already_processed"
	// KindNotFound means the network does not know the hash yet
	KindNotFound Kind = "not_found"
	// KindUnconfirmed means the transaction exists but has no receipt
	KindUnconfirmed Kind = "unconfirmed"
	// KindDecode means the payload does not carry a usable app id
	KindDecode Kind = "decode"
	// KindUnregisteredApp means the ledger does not know the app id
	KindUnregisteredApp Kind = "unregistered_app"
	// KindNoCampaign means the app is registered for no campaign
	KindNoCampaign Kind = "no_campaign"
	// KindRetryableInfra covers network, timeout, rate limit, gateway and nonce conditions
	KindRetryableInfra Kind = "retryable_infra"
	// KindLedgerRevert means the contract rejected the call
	KindLedgerRevert Kind = "ledger_revert"
	// KindCanceled means the caller gave up mid-attempt; the row is released untouched
	KindCanceled Kind = "canceled"
	// KindInternal covers everything else
	KindInternal Kind = "internal"
)

// Retryable reports whether a row failing with this kind keeps its place in the queue.
// Eligibility failures are retried because an app may register later.
func (k Kind) Retryable() bool {
	switch k {
	case KindNotFound, KindUnconfirmed, KindUnregisteredApp, KindNoCampaign, KindRetryableInfra:
		return true
	default:
		return false
	}
}

// Code returns the API error code for the kind
func (k Kind) Code() string {
	switch k {
	case KindAlreadyProcessed:
		return "ALREADY_PROCESSED"
	case KindNotFound:
		return "TRANSACTION_NOT_FOUND"
	case KindUnconfirmed:
		return "TRANSACTION_UNCONFIRMED"
	case KindDecode:
		return "INVALID_APP_ID"
	case KindUnregisteredApp:
		return "APP_NOT_REGISTERED"
	case KindNoCampaign:
		return "NO_CAMPAIGN"
	case KindRetryableInfra:
		return "SERVICE_UNAVAILABLE"
	case KindLedgerRevert:
		return "LEDGER_REVERT"
	case KindCanceled:
		return "CANCELED"
	default:
		return "INTERNAL_ERROR"
	}
}

// ProcessingError is a failure tagged by the call site that detected it
type ProcessingError struct {
	Kind    Kind
	Op      string
	Hash    string
	Message string
	Timeout bool
	Cause   error
}

// Error implements the error interface
func (e *ProcessingError) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap returns the underlying cause
func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the failure should be retried
func (e *ProcessingError) Retryable() bool {
	return e.Kind.Retryable()
}

// HTTPStatus returns the status POST /api/submit answers with for this failure
func (e *ProcessingError) HTTPStatus() int {
	switch e.Kind {
	case KindDecode, KindUnregisteredApp, KindNoCampaign:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAlreadyProcessed, KindLedgerRevert:
		return http.StatusConflict
	case KindUnconfirmed, KindRetryableInfra, KindCanceled:
		if e.Timeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ToServiceError converts to a ServiceError
func (e *ProcessingError) ToServiceError() *types.ServiceError {
	details := map[string]interface{}{"kind": string(e.Kind)}
	if e.Hash != "" {
		details["transactionHash"] = e.Hash
	}
	return &types.ServiceError{
		Code:      e.Kind.Code(),
		Message:   e.Message,
		Retryable: e.Retryable(),
		Details:   details,
	}
}

// WithHash returns a copy of the error bound to a transaction hash
func (e *ProcessingError) WithHash(hash string) *ProcessingError {
	cp := *e
	cp.Hash = hash
	return &cp
}

// New creates a tagged error
func New(kind Kind, op, message string, cause error) *ProcessingError {
	return &ProcessingError{Kind: kind, Op: op, Message: message, Cause: cause}
}

// NewAlreadyProcessedError creates the idempotence short-circuit
func NewAlreadyProcessedError(hash string) *ProcessingError {
	return &ProcessingError{Kind: KindAlreadyProcessed, Op: "processedTransactions", Hash: hash, Message: "already processed on-chain"}
}

// NewNotFoundError creates a transaction-not-found error
func NewNotFoundError(hash string) *ProcessingError {
	return &ProcessingError{Kind: KindNotFound, Op: "eth_getTransactionByHash", Hash: hash, Message: "transaction not found on network"}
}

// NewUnconfirmedError creates a missing-receipt error
func NewUnconfirmedError(hash string) *ProcessingError {
	return &ProcessingError{Kind: KindUnconfirmed, Op: "eth_getTransactionReceipt", Hash: hash, Message: "transaction not yet confirmed"}
}

// NewDecodeError creates a malformed payload error
func NewDecodeError(reason string) *ProcessingError {
	return &ProcessingError{Kind: KindDecode, Op: "decodeAppID", Message: fmt.Sprintf("invalid app id payload: %s", reason)}
}

// NewUnregisteredAppError creates an unregistered app error
func NewUnregisteredAppError(appID string) *ProcessingError {
	return &ProcessingError{Kind: KindUnregisteredApp, Op: "registeredApps", Message: fmt.Sprintf("app not registered: %s", appID)}
}

// NewNoCampaignError creates an app-without-campaign error
func NewNoCampaignError(appID string) *ProcessingError {
	return &ProcessingError{Kind: KindNoCampaign, Op: "getAppRegisteredCampaigns", Message: fmt.Sprintf("app has no registered campaigns: %s", appID)}
}

// NewRetryableInfraError creates a transient infrastructure error
func NewRetryableInfraError(op string, cause error) *ProcessingError {
	return &ProcessingError{Kind: KindRetryableInfra, Op: op, Message: "transient infrastructure failure", Cause: cause}
}

// NewTimeoutError creates a transient timeout error
func NewTimeoutError(op string, cause error) *ProcessingError {
	return &ProcessingError{Kind: KindRetryableInfra, Op: op, Message: "timed out", Timeout: true, Cause: cause}
}

// NewLedgerRevertError creates a contract rejection error
func NewLedgerRevertError(op, reason string, cause error) *ProcessingError {
	return &ProcessingError{Kind: KindLedgerRevert, Op: op, Message: fmt.Sprintf("ledger reverted: %s", reason), Cause: cause}
}

// NewCanceledError creates an error for an attempt stopped by context cancellation
func NewCanceledError(op string, cause error) *ProcessingError {
	return &ProcessingError{Kind: KindCanceled, Op: op, Message: "canceled", Cause: cause}
}

// NewInternalError creates an untagged failure
func NewInternalError(op string, cause error) *ProcessingError {
	return &ProcessingError{Kind: KindInternal, Op: op, Message: "internal error", Cause: cause}
}

// As extracts a ProcessingError from a chain, wrapping anything else as internal.
func As(err error) *ProcessingError {
	if err == nil {
		return nil
	}
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe
	}
	return NewInternalError("", err)
}

// KindOf returns the kind of a tagged error, or KindInternal
func KindOf(err error) Kind {
	if pe := As(err); pe != nil {
		return pe.Kind
	}
	return KindInternal
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	pe := As(err)
	return pe != nil && pe.Retryable()
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if pe := As(err); pe != nil {
		return pe.HTTPStatus()
	}
	return http.StatusInternalServerError
}
