package ethereum

import (
	"context"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "P2PLend-Chain/internal/errors"
)

// rejectionMarkers are node responses meaning the transaction itself was
// refused; resubmitting it unchanged cannot succeed.
var rejectionMarkers = []string{
	"execution reverted",
	"revert",
	"insufficient funds",
	"nonce too low",
	"underpriced",
	"intrinsic gas too low",
	"gas required exceeds",
	"exceeds block gas limit",
	"invalid sender",
}

// classify maps a go-ethereum failure onto the shared error codes: revert
// and node rejections become TX_REVERTED, missing contract code becomes
// CONFIG_INVALID, deadlines become TIMEOUT and everything else reaching the
// node is a retryable NETWORK_FAILURE.
func classify(err error, op string, opts ...xerrors.Option) error {
	if err == nil {
		return nil
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return xerrors.Wrap(xerrors.CodeTimeout, err, op+" timed out", opts...)
	case errors.Is(err, context.Canceled):
		return xerrors.Wrap(xerrors.CodeTimeout, err, op+" cancelled", append(opts, xerrors.WithRetryable(false))...)
	case errors.Is(err, bind.ErrNoCode):
		return xerrors.Wrap(xerrors.CodeConfigInvalid, err, op+": no contract code at address", opts...)
	}

	var dataErr gethrpc.DataError
	if errors.As(err, &dataErr) && dataErr.ErrorData() != nil {
		return xerrors.Wrap(xerrors.CodeTxReverted, err, op+" rejected", opts...)
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rejectionMarkers {
		if strings.Contains(msg, marker) {
			return xerrors.Wrap(xerrors.CodeTxReverted, err, op+" rejected", opts...)
		}
	}
	return xerrors.Wrap(xerrors.CodeNetworkFailure, err, op+" failed", opts...)
}
