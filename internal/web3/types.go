package web3

import (
	"context"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethevent "github.com/ethereum/go-ethereum/event"
)

// ChainSnapshot represents summarized network metadata for reporting.
type ChainSnapshot struct {
	Name        string
	ChainID     string
	BlockNumber string
	Notes       string
}

// DeploymentResult captures the outcome of a contract deployment request.
type DeploymentResult struct {
	ContractAddress common.Address
	Transaction     *types.Transaction
}

// EventSubscription wraps a log subscription so callers can manage lifecycle
// without depending on the go-ethereum event package.
type EventSubscription struct {
	logs <-chan types.Log
	sub  gethevent.Subscription
}

// NewEventSubscription constructs a managed subscription wrapper.
func NewEventSubscription(logs <-chan types.Log, sub gethevent.Subscription) *EventSubscription {
	return &EventSubscription{logs: logs, sub: sub}
}

// Logs returns the channel that receives blockchain logs.
func (e *EventSubscription) Logs() <-chan types.Log {
	return e.logs
}

// Err forwards the subscription error channel.
func (e *EventSubscription) Err() <-chan error {
	if e == nil || e.sub == nil {
		return nil
	}
	return e.sub.Err()
}

// Close terminates the subscription.
func (e *EventSubscription) Close() {
	if e == nil || e.sub == nil {
		return
	}
	e.sub.Unsubscribe()
}

// Client defines the chain operations the lending flows depend on. Every
// blocking method honours ctx; failures are classified with the shared
// error codes (network, rejected, configuration, timeout).
type Client interface {
	Name() string
	ChainID(ctx context.Context) (*big.Int, error)
	ExplorerURL() string
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Call(ctx context.Context, contract common.Address, parsed abi.ABI, method string, args ...any) ([]any, error)
	Transact(ctx context.Context, auth *bind.TransactOpts, contract common.Address, parsed abi.ABI, method string, args ...any) (*types.Transaction, error)
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
	DeployContract(ctx context.Context, auth *bind.TransactOpts, parsed abi.ABI, bytecode []byte, params ...any) (DeploymentResult, error)
	WaitDeployed(ctx context.Context, tx *types.Transaction) (common.Address, error)
	SubscribeEvents(ctx context.Context, query gethcore.FilterQuery) (*EventSubscription, error)
	Close()
}

// ExplorerTxURL joins a block explorer base URL and a transaction hash. An
// empty base yields an empty string.
func ExplorerTxURL(base string, hash common.Hash) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return ""
	}
	return base + "/tx/" + hash.Hex()
}

// ExplorerAddressURL joins a block explorer base URL and an address.
func ExplorerAddressURL(base string, addr common.Address) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return ""
	}
	return base + "/address/" + addr.Hex()
}
