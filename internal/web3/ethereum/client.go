package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	gethevent "github.com/ethereum/go-ethereum/event"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "P2PLend-Chain/internal/errors"
	"P2PLend-Chain/internal/web3"
)

const defaultPollInterval = 2 * time.Second

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name        string
	RPCURL      string
	WSURL       string
	ChainID     int64
	ExplorerURL string
	Notes       string

	// PollInterval is the receipt and log polling period.
	PollInterval time.Duration
	// ConfirmTimeout bounds WaitMined; zero waits for the caller's context.
	ConfirmTimeout time.Duration
}

// chainBackend is the union of the go-ethereum interfaces the client needs.
// Both *ethclient.Client and simulated.Client satisfy it.
type chainBackend interface {
	bind.ContractBackend
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// logSubscriber mirrors the subset of methods required for log subscriptions.
type logSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q gethcore.FilterQuery, ch chan<- coretypes.Log) (gethcore.Subscription, error)
}

// Client implements web3.Client for EVM compatible chains.
type Client struct {
	name           string
	notes          string
	explorer       string
	expectedChain  int64
	pollInterval   time.Duration
	confirmTimeout time.Duration

	rpcClient   *gethrpc.Client
	eth         *ethclient.Client
	backend     chainBackend
	eventClient logSubscriber
	// commit seals a block after each submission on simulated chains.
	commit func()

	mu      sync.Mutex
	chainID *big.Int
}

// NewClient dials the configured RPC endpoints and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "未配置 EVM RPC 地址",
			xerrors.WithMetadata("network", cfg.Name))
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetworkFailure, err, "连接 EVM 节点失败",
			xerrors.WithMetadata("network", cfg.Name))
	}
	eth := ethclient.NewClient(rpcClient)

	var eventClient logSubscriber
	if wsURL := strings.TrimSpace(cfg.WSURL); wsURL != "" {
		if wsRPC, wsErr := gethrpc.DialContext(ctx, wsURL); wsErr == nil {
			eventClient = ethclient.NewClient(wsRPC)
		}
	}

	client := newClient(cfg)
	client.rpcClient = rpcClient
	client.eth = eth
	client.backend = eth
	client.eventClient = eventClient
	return client, nil
}

// NewSimulatedClient wraps a go-ethereum simulated backend for testing. Every
// submitted transaction is sealed into its own block.
func NewSimulatedClient(name string, sim *simulated.Backend) *Client {
	backend := sim.Client()
	client := newClient(Config{Name: name, Notes: "simulated backend", PollInterval: 10 * time.Millisecond})
	client.backend = backend
	client.eventClient = backend
	client.commit = func() { sim.Commit() }
	return client
}

func newClient(cfg Config) *Client {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Client{
		name:           cfg.Name,
		notes:          cfg.Notes,
		explorer:       cfg.ExplorerURL,
		expectedChain:  cfg.ChainID,
		pollInterval:   poll,
		confirmTimeout: cfg.ConfirmTimeout,
	}
}

// Name returns the network name the client was built for.
func (c *Client) Name() string { return c.name }

// ExplorerURL returns the block explorer base URL, if configured.
func (c *Client) ExplorerURL() string { return c.explorer }

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ec, ok := c.eventClient.(*ethclient.Client); ok && ec != c.eth {
		ec.Close()
	}
	c.eventClient = nil
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
}

// ChainID returns the network chain id, cached after the first query. A
// configured chain id that disagrees with the node is a configuration error.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}

	backend, err := c.chainBackend()
	if err != nil {
		return nil, err
	}
	id, err := backend.ChainID(ctx)
	if err != nil {
		return nil, classify(err, "query chain id")
	}
	if c.expectedChain > 0 && id.Cmp(big.NewInt(c.expectedChain)) != 0 {
		return nil, xerrors.New(xerrors.CodeConfigInvalid,
			fmt.Sprintf("network %s reports chain id %s, configured %d", c.name, id, c.expectedChain),
			xerrors.WithMetadata("field", "chain_id"))
	}

	c.mu.Lock()
	c.chainID = new(big.Int).Set(id)
	c.mu.Unlock()
	return id, nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	backend, err := c.chainBackend()
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	blockNumber, err := backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, classify(err, "query block number")
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// Call performs a read-only contract call and returns the unpacked outputs.
func (c *Client) Call(ctx context.Context, contract common.Address, parsed abi.ABI, method string, args ...any) ([]any, error) {
	backend, err := c.chainBackend()
	if err != nil {
		return nil, err
	}
	if _, err := parsed.Pack(method, args...); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode call "+method)
	}

	bound := bind.NewBoundContract(contract, parsed, backend, backend, backend)
	var out []any
	if err := bound.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, classify(err, "call "+method, xerrors.WithMetadata("contract", contract.Hex()))
	}
	return out, nil
}

// Transact signs and submits a state-changing contract call. It returns as
// soon as the node accepts the transaction; use WaitMined for the receipt.
func (c *Client) Transact(ctx context.Context, auth *bind.TransactOpts, contract common.Address, parsed abi.ABI, method string, args ...any) (*coretypes.Transaction, error) {
	if auth == nil {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "未提供交易签名器")
	}
	backend, err := c.chainBackend()
	if err != nil {
		return nil, err
	}
	if _, err := parsed.Pack(method, args...); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode transaction "+method)
	}

	opts := *auth
	opts.Context = ctx
	bound := bind.NewBoundContract(contract, parsed, backend, backend, backend)
	tx, err := bound.Transact(&opts, method, args...)
	if err != nil {
		return nil, classify(err, "submit "+method, xerrors.WithMetadata("contract", contract.Hex()))
	}
	c.sealBlock()
	return tx, nil
}

// WaitMined polls for the transaction receipt until it is available, the
// configured confirmation timeout elapses, or ctx ends. Network failures while
// fetching the receipt are retried on the next tick. A receipt with a failed
// status is returned without error.
func (c *Client) WaitMined(ctx context.Context, tx *coretypes.Transaction) (*coretypes.Receipt, error) {
	if tx == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "transaction is nil")
	}
	backend, err := c.chainBackend()
	if err != nil {
		return nil, err
	}
	if c.confirmTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.confirmTimeout)
		defer cancel()
	}

	hash := tx.Hash()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	var lastErr error
	for {
		receipt, err := backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) && ctx.Err() == nil {
			failure := classify(err, "fetch receipt", xerrors.WithMetadata("tx_hash", hash.Hex()))
			if xerrors.CodeOf(failure) != xerrors.CodeNetworkFailure {
				return nil, failure
			}
			lastErr = err
		}

		select {
		case <-ctx.Done():
			opts := []xerrors.Option{xerrors.WithMetadata("tx_hash", hash.Hex())}
			if lastErr != nil {
				opts = append(opts, xerrors.WithMetadata("last_error", lastErr.Error()))
			}
			return nil, classify(ctx.Err(), "wait for confirmation", opts...)
		case <-ticker.C:
		}
	}
}

// DeployContract sends the contract creation transaction using the provided
// transact opts and bytecode.
func (c *Client) DeployContract(ctx context.Context, auth *bind.TransactOpts, parsed abi.ABI, bytecode []byte, params ...any) (web3.DeploymentResult, error) {
	if auth == nil {
		return web3.DeploymentResult{}, xerrors.New(xerrors.CodeConfigInvalid, "未提供交易签名器")
	}
	if len(bytecode) == 0 {
		return web3.DeploymentResult{}, xerrors.New(xerrors.CodeConfigInvalid, "合约字节码不能为空")
	}
	backend, err := c.chainBackend()
	if err != nil {
		return web3.DeploymentResult{}, err
	}
	if _, err := parsed.Pack("", params...); err != nil {
		return web3.DeploymentResult{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode constructor arguments")
	}

	opts := *auth
	opts.Context = ctx
	address, tx, _, err := bind.DeployContract(&opts, parsed, bytecode, backend, params...)
	if err != nil {
		return web3.DeploymentResult{}, classify(err, "deploy contract")
	}
	c.sealBlock()
	return web3.DeploymentResult{ContractAddress: address, Transaction: tx}, nil
}

// WaitDeployed waits for a deployment transaction and verifies that code was
// placed at the created address.
func (c *Client) WaitDeployed(ctx context.Context, tx *coretypes.Transaction) (common.Address, error) {
	if tx != nil && tx.To() != nil {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "transaction is not a contract creation")
	}
	receipt, err := c.WaitMined(ctx, tx)
	if err != nil {
		return common.Address{}, err
	}
	hash := tx.Hash().Hex()
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return common.Address{}, xerrors.New(xerrors.CodeTxReverted, "deployment reverted",
			xerrors.WithMetadata("tx_hash", hash))
	}
	if receipt.ContractAddress == (common.Address{}) {
		return common.Address{}, xerrors.New(xerrors.CodeTxReverted, "receipt carries no contract address",
			xerrors.WithMetadata("tx_hash", hash))
	}

	backend, err := c.chainBackend()
	if err != nil {
		return common.Address{}, err
	}
	code, err := backend.CodeAt(ctx, receipt.ContractAddress, nil)
	if err != nil {
		return common.Address{}, classify(err, "read deployed code", xerrors.WithMetadata("tx_hash", hash))
	}
	if len(code) == 0 {
		return common.Address{}, xerrors.Wrap(xerrors.CodeTxReverted, bind.ErrNoCode, "deployment left no code",
			xerrors.WithMetadata("tx_hash", hash), xerrors.WithMetadata("contract", receipt.ContractAddress.Hex()))
	}
	return receipt.ContractAddress, nil
}

// SubscribeEvents attaches a log subscription to the chain. Without a
// websocket endpoint the logs are polled over RPC.
func (c *Client) SubscribeEvents(ctx context.Context, query gethcore.FilterQuery) (*web3.EventSubscription, error) {
	logs := make(chan coretypes.Log, 64)
	if subscriber := c.eventBackend(); subscriber != nil {
		sub, err := subscriber.SubscribeFilterLogs(ctx, query, logs)
		if err != nil {
			return nil, classify(err, "subscribe logs")
		}
		return web3.NewEventSubscription(logs, sub), nil
	}

	backend, err := c.chainBackend()
	if err != nil {
		return nil, err
	}
	return web3.NewEventSubscription(logs, c.pollLogs(ctx, backend, query, logs)), nil
}

func (c *Client) pollLogs(ctx context.Context, backend chainBackend, query gethcore.FilterQuery, out chan<- coretypes.Log) gethevent.Subscription {
	return gethevent.NewSubscription(func(quit <-chan struct{}) error {
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()

		from := query.FromBlock
		for {
			select {
			case <-quit:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}

			head, err := backend.BlockNumber(ctx)
			if err != nil {
				return classify(err, "poll block number")
			}
			to := new(big.Int).SetUint64(head)
			if from == nil {
				from = to
			}
			if from.Cmp(to) > 0 {
				continue
			}

			window := query
			window.FromBlock = from
			window.ToBlock = to
			found, err := backend.FilterLogs(ctx, window)
			if err != nil {
				return classify(err, "poll logs")
			}
			for _, lg := range found {
				select {
				case out <- lg:
				case <-quit:
					return nil
				}
			}
			from = new(big.Int).Add(to, big.NewInt(1))
		}
	})
}

func (c *Client) chainBackend() (chainBackend, error) {
	if c == nil || c.backend == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的 EVM 客户端")
	}
	return c.backend, nil
}

func (c *Client) eventBackend() logSubscriber {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eventClient
}

func (c *Client) sealBlock() {
	if c.commit != nil {
		c.commit()
	}
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var _ web3.Client = (*Client)(nil)
