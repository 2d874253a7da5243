package blockchain

import (
	"context"
	stderrors "errors"
	"net"
	"strings"

	"arandu-chain-sync/pkg/errors"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

var transientMessageTokens = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"temporar",
	"unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"eof",
	"too many requests",
	"rate limit",
	"http status 429",
	"http status 502",
	"http status 503",
	"http status 504",
	"header not found",
	"nonce too low",
	"replacement transaction underpriced",
	"transaction underpriced",
}

// classify maps a node error onto the engine's error codes. op names the
// step for the message.
func classify(op string, err error) *errors.AppError {
	if err == nil {
		return nil
	}
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "insufficient funds"):
		return errors.New(errors.ErrInsufficientFunds, op+": insufficient funds", err)
	case strings.Contains(lower, "revert"):
		return errors.New(errors.ErrReverted, op+": execution reverted: "+RevertReason(err), err)
	}

	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return errors.New(errors.ErrTransient, op+": outcome unknown", err)
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return errors.New(errors.ErrTransient, op+": network error", err)
	}
	for _, token := range transientMessageTokens {
		if strings.Contains(lower, token) {
			return errors.New(errors.ErrTransient, op+": "+token, err)
		}
	}

	return errors.New(errors.ErrReverted, op+": rejected by node", err)
}

// classifySend is classify for SendTransaction. Only an explicit rejection
// is definitive; an unrecognized error leaves the transaction possibly in
// the pool.
func classifySend(op string, err error) *errors.AppError {
	classified := classify(op, err)
	if classified.Code != errors.ErrReverted || strings.Contains(strings.ToLower(err.Error()), "revert") {
		return classified
	}
	return errors.New(errors.ErrTransient, op+": outcome unknown", err)
}

// IsNonceTooLow reports whether the node rejected a send because the nonce
// was already used or is held by a pooled transaction.
func IsNonceTooLow(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "nonce too low") ||
		strings.Contains(lower, "replacement transaction underpriced")
}

// IsAlreadyKnown reports a resend of a transaction the node already holds.
func IsAlreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "already known") || strings.Contains(lower, "known transaction")
}

// RevertReason extracts the Error(string) reason carried in JSON-RPC error
// data, falling back to the node's message.
func RevertReason(err error) string {
	var dataErr rpc.DataError
	if stderrors.As(err, &dataErr) {
		if raw, ok := dataErr.ErrorData().(string); ok {
			if data, decodeErr := hexutil.Decode(raw); decodeErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return reason
				}
			}
		}
	}
	msg := err.Error()
	if idx := strings.Index(msg, "execution reverted: "); idx >= 0 {
		return msg[idx+len("execution reverted: "):]
	}
	return msg
}
