package adapter

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/sdk-batch-processor/internal/circuitbreaker"
	"github.com/sdk-batch-processor/internal/errors"
	"github.com/sdk-batch-processor/internal/ratelimit"
)

// JSON-RPC error codes providers use for throttling and overload
const (
	rpcCodeLimitExceeded = -32005
	rpcCodeInternal      = -32603
)

// duplicateRevertMarkers identify the contract rejecting an already processed hash
var duplicateRevertMarkers = []string{"already processed", "duplicate"}

// transientMessages are node answers with no typed form that clear up on their own
var transientMessages = []string{
	"nonce too low",
	"replacement transaction underpriced",
	"transaction underpriced",
	"rate limit",
	"too many requests",
	"connection reset",
	"connection refused",
	"broken pipe",
	"unexpected eof",
	"header not found",
}

// ClassifyRPCError tags an error returned by the node for op. Errors already
// tagged are returned unchanged, and so is ethereum.NotFound, since only the
// caller knows whether a missing object means not-found or unconfirmed.
func ClassifyRPCError(op string, err error) error {
	if err == nil {
		return nil
	}

	var tagged *errors.ProcessingError
	if stderrors.As(err, &tagged) || stderrors.Is(err, ethereum.NotFound) {
		return err
	}

	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.NewTimeoutError(op, err)
	case stderrors.Is(err, context.Canceled):
		return errors.NewCanceledError(op, err)
	case stderrors.Is(err, circuitbreaker.ErrCircuitOpen),
		stderrors.Is(err, circuitbreaker.ErrTooManyRequests),
		stderrors.Is(err, ratelimit.ErrMaxWaitExceeded):
		return errors.NewRetryableInfraError(op, err)
	}

	var httpErr rpc.HTTPError
	if stderrors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusGatewayTimeout:
			return errors.NewTimeoutError(op, err)
		case httpErr.StatusCode == http.StatusTooManyRequests, httpErr.StatusCode >= 500:
			return errors.NewRetryableInfraError(op, err)
		default:
			return errors.NewInternalError(op, err)
		}
	}

	if reason, ok := revertReason(err); ok {
		if isDuplicateRevert(reason) {
			return errors.New(errors.KindAlreadyProcessed, op, "already processed on-chain", err)
		}
		return errors.NewLedgerRevertError(op, reason, err)
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		if netErr.Timeout() {
			return errors.NewTimeoutError(op, err)
		}
		return errors.NewRetryableInfraError(op, err)
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return errors.NewRetryableInfraError(op, err)
		}
	}

	var rpcErr rpc.Error
	if stderrors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case rpcCodeLimitExceeded, rpcCodeInternal:
			return errors.NewRetryableInfraError(op, err)
		}
	}

	return errors.NewInternalError(op, err)
}

// revertReason extracts the revert reason from a node error, preferring the
// ABI-encoded Error(string) payload over the message text.
func revertReason(err error) (string, bool) {
	var dataErr rpc.DataError
	if stderrors.As(err, &dataErr) {
		if hexData, ok := dataErr.ErrorData().(string); ok {
			if raw, decErr := hexutil.Decode(hexData); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
					return reason, true
				}
			}
		}
	}

	msg := err.Error()
	idx := strings.Index(strings.ToLower(msg), "execution reverted")
	if idx < 0 {
		return "", false
	}
	reason := strings.TrimSpace(strings.TrimPrefix(msg[idx+len("execution reverted"):], ":"))
	if reason == "" {
		reason = "execution reverted"
	}
	return reason, true
}

func isDuplicateRevert(reason string) bool {
	lower := strings.ToLower(reason)
	for _, m := range duplicateRevertMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// isEndpointFailure reports whether err should count against the endpoint's health
func isEndpointFailure(err error) bool {
	return errors.KindOf(err) == errors.KindRetryableInfra
}

// IsRateLimitError checks if an error indicates provider throttling
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	var httpErr rpc.HTTPError
	if stderrors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests
	}
	var rpcErr rpc.Error
	if stderrors.As(err, &rpcErr) && rpcErr.ErrorCode() == rpcCodeLimitExceeded {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests")
}
