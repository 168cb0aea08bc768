package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/okian/scanreward/internal/domain/model"
)

// Node error fragments. Matching on text is unavoidable: JSON-RPC errors
// arrive as strings.
var (
	permanentFragments = []string{
		"execution reverted",
		"insufficient funds",
		"invalid address",
		"invalid sender",
		"gas required exceeds allowance",
		"intrinsic gas too low",
		"exceeds block gas limit",
		"transfer amount exceeds balance",
	}
	transientFragments = []string{
		"nonce too low",
		"replacement transaction underpriced",
		"transaction underpriced",
		"too many requests",
		"429",
		"timeout",
		"connection reset",
		"connection refused",
		"temporarily unavailable",
		"header not found",
	}
)

// Classify wraps err with model.ErrPermanent or model.ErrTransient. Errors
// already classified are returned unchanged. Unrecognised errors are
// treated as transient, so they get the bounded retry.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, model.ErrPermanent) || errors.Is(err, model.ErrTransient) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("%w: %w", model.ErrTransient, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", model.ErrPermanent, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", model.ErrTransient, err)
	}

	msg := strings.ToLower(err.Error())
	for _, f := range permanentFragments {
		if strings.Contains(msg, f) {
			return fmt.Errorf("%w: %w", model.ErrPermanent, err)
		}
	}
	for _, f := range transientFragments {
		if strings.Contains(msg, f) {
			return fmt.Errorf("%w: %w", model.ErrTransient, err)
		}
	}
	return fmt.Errorf("%w: %w", model.ErrTransient, err)
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

// isNonceTaken reports a rejection caused by another transaction already
// holding the nonce.
func isNonceTaken(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") || strings.Contains(msg, "replacement transaction underpriced")
}
