package lending

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"P2PLend-Chain/internal/contracts"
	xerrors "P2PLend-Chain/internal/errors"
	"P2PLend-Chain/internal/web3"
	"P2PLend-Chain/pkg/logger"
)

// Backend is the subset of the chain client the flows use.
type Backend interface {
	Call(ctx context.Context, contract common.Address, parsed abi.ABI, method string, args ...any) ([]any, error)
	Transact(ctx context.Context, auth *bind.TransactOpts, contract common.Address, parsed abi.ABI, method string, args ...any) (*types.Transaction, error)
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
	DeployContract(ctx context.Context, auth *bind.TransactOpts, parsed abi.ABI, bytecode []byte, params ...any) (web3.DeploymentResult, error)
	WaitDeployed(ctx context.Context, tx *types.Transaction) (common.Address, error)
}

// Entry is one confirmed transaction handed to a Recorder.
type Entry struct {
	Operation Operation
	JobID     string
	Network   string
	OfferID   *big.Int
	Tx        TxOutcome
}

// Recorder persists confirmed transactions.
type Recorder interface {
	RecordTx(ctx context.Context, entry Entry) error
}

// Observer receives one sample per awaited transaction.
type Observer interface {
	ObserveTx(op Operation, status string, elapsed time.Duration)
}

// TxOutcome describes one awaited transaction.
type TxOutcome struct {
	Step        string
	Hash        common.Hash
	From        common.Address
	To          common.Address
	BlockNumber uint64
	GasUsed     uint64
	Status      uint64
	ExplorerURL string
	Elapsed     time.Duration
}

// Result is the outcome of one flow.
type Result struct {
	Operation    Operation
	Network      string
	Signer       common.Address
	Transactions []TxOutcome

	// ContractAddress is set by deploy.
	ContractAddress common.Address
	// OfferID is the created offer for create-offer, or the offer acted on.
	// For create-offer it is nil when the receipt carried no OfferCreated
	// event; EventFound reports which case applies.
	OfferID    *big.Int
	EventFound bool
	// Amount is the approved (approve) or repaid (repay) value in base units.
	Amount   *big.Int
	Decimals uint8
}

// LastTx returns the final transaction of the flow.
func (r *Result) LastTx() (TxOutcome, bool) {
	if r == nil || len(r.Transactions) == 0 {
		return TxOutcome{}, false
	}
	return r.Transactions[len(r.Transactions)-1], true
}

// Config wires the orchestrator to its contracts.
type Config struct {
	Network     string
	ExplorerURL string
	Token       common.Address
	// Lending may be zero until a deployment sets it.
	Lending    common.Address
	TokenABI   abi.ABI
	LendingABI abi.ABI
	// Artifact is required by Deploy only.
	Artifact *contracts.Artifact
	Defaults Defaults
}

// Option customises the orchestrator.
type Option func(*Orchestrator)

// WithRecorder records confirmed transactions.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithObserver reports transaction timings.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// Orchestrator runs the lending flows for a single signer. Flows are
// serialized: each submitted transaction is confirmed before the next
// dependent call, and no two flows interleave.
type Orchestrator struct {
	backend  Backend
	auth     *bind.TransactOpts
	cfg      Config
	recorder Recorder
	observer Observer
	log      *slog.Logger

	mu sync.Mutex
}

// New validates the wiring and returns an orchestrator.
func New(backend Backend, auth *bind.TransactOpts, cfg Config, opts ...Option) (*Orchestrator, error) {
	if backend == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "chain backend is required")
	}
	if auth == nil {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "signer is required",
			xerrors.WithMetadata("field", "signer"))
	}
	if cfg.Token == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "token address is required",
			xerrors.WithMetadata("field", "contracts.token_address"))
	}
	if err := contracts.RequireMethods(cfg.TokenABI, "decimals", "approve"); err != nil {
		return nil, err
	}
	if err := contracts.RequireMethods(cfg.LendingABI, "createOffer", "takeLoan", "repayAmount", "repay", "withdrawLender"); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		backend: backend,
		auth:    auth,
		cfg:     cfg,
		log:     logger.Named("lending"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// Signer returns the address transactions are sent from.
func (o *Orchestrator) Signer() common.Address {
	return o.auth.From
}

// LendingAddress returns the lending contract in use, which Deploy updates.
func (o *Orchestrator) LendingAddress() common.Address {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg.Lending
}

// Execute dispatches a request by operation name.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*Result, error) {
	switch req.Operation {
	case OpDeploy:
		return o.Deploy(ctx, req)
	case OpApprove:
		return o.Approve(ctx, req)
	case OpCreateOffer:
		return o.CreateOffer(ctx, req)
	case OpTakeLoan:
		return o.TakeLoan(ctx, req)
	case OpRepay:
		return o.Repay(ctx, req)
	case OpWithdraw:
		return o.Withdraw(ctx, req)
	default:
		_, err := ParseOperation(string(req.Operation))
		return nil, err
	}
}

// Deploy creates the lending contract with the token address as its
// constructor argument and waits until code is present at the new address.
func (o *Orchestrator) Deploy(ctx context.Context, req Request) (*Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	req.Operation = OpDeploy
	art := o.cfg.Artifact
	if art == nil || len(art.Bytecode) == 0 {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "lending contract artifact is not loaded",
			xerrors.WithMetadata("field", "contracts.lending_artifact"))
	}
	res := o.newResult(OpDeploy)
	o.log.Info("deploying lending contract", "deployer", o.auth.From.Hex(), "token", o.cfg.Token.Hex())

	started := time.Now()
	deployed, err := o.backend.DeployContract(ctx, o.auth, art.ABI, art.Bytecode, o.cfg.Token)
	if err != nil {
		o.observe(OpDeploy, "failed", started)
		return nil, err
	}
	outcome, err := o.confirm(ctx, req, "deploy", deployed.Transaction, started)
	if err != nil {
		return nil, err
	}
	res.Transactions = append(res.Transactions, outcome)

	addr, err := o.backend.WaitDeployed(ctx, deployed.Transaction)
	if err != nil {
		return nil, o.submitted(err, deployed.Transaction)
	}
	res.ContractAddress = addr
	o.cfg.Lending = addr
	o.log.Info("lending contract deployed", "address", addr.Hex(), "tx_hash", outcome.Hash.Hex())
	return res, nil
}

// Approve sets the token allowance of the spender (default: the lending
// contract) to the requested amount, scaled by the token's decimals.
func (o *Orchestrator) Approve(ctx context.Context, req Request) (*Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	req = req.withDefaults(o.cfg.Defaults)
	req.Operation = OpApprove
	spender := req.Spender
	if spender == (common.Address{}) {
		lending, err := o.lendingAddress()
		if err != nil {
			return nil, err
		}
		spender = lending
	}

	decimals, err := o.tokenDecimals(ctx)
	if err != nil {
		return nil, err
	}
	value, err := ToBaseUnits(req.Amount, decimals)
	if err != nil {
		return nil, err
	}

	res := o.newResult(OpApprove)
	res.Amount = value
	res.Decimals = decimals
	o.log.Info("approving allowance", "amount", req.Amount, "value", value.String(), "spender", spender.Hex())

	outcome, err := o.send(ctx, req, "approve", o.cfg.Token, o.cfg.TokenABI, "approve", spender, value)
	if err != nil {
		return nil, err
	}
	res.Transactions = append(res.Transactions, outcome)
	return res, nil
}

// CreateOffer publishes an offer and extracts its id from the first
// OfferCreated event of the receipt. A receipt without the event is not an
// error: the result carries a nil OfferID and EventFound=false.
func (o *Orchestrator) CreateOffer(ctx context.Context, req Request) (*Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	req = req.withDefaults(o.cfg.Defaults)
	req.Operation = OpCreateOffer
	lending, err := o.lendingAddress()
	if err != nil {
		return nil, err
	}
	principal, err := ToBaseUnits(req.Principal, PrincipalDecimals)
	if err != nil {
		return nil, err
	}
	if *req.InterestBps > 10_000 {
		return nil, invalidParam(ParamInterestBps, "exceeds 10000 basis points")
	}
	seconds := int64(*req.Duration / time.Second)
	if seconds <= 0 {
		return nil, invalidParam(ParamDuration, "must be at least one second")
	}

	res := o.newResult(OpCreateOffer)
	res.Amount = principal
	res.Decimals = PrincipalDecimals
	o.log.Info("creating offer", "principal", req.Principal, "interest_bps", *req.InterestBps, "duration_seconds", seconds)

	outcome, receipt, err := o.sendWithReceipt(ctx, req, "createOffer", lending, o.cfg.LendingABI, "createOffer",
		principal, new(big.Int).SetUint64(*req.InterestBps), big.NewInt(seconds))
	if err != nil {
		return nil, err
	}
	res.Transactions = append(res.Transactions, outcome)

	event, err := contracts.FindEvent(o.cfg.LendingABI, receipt.Logs, "OfferCreated", lending)
	switch {
	case stdErrors.Is(err, contracts.ErrEventNotFound):
		o.log.Warn("receipt carries no OfferCreated event", "tx_hash", outcome.Hash.Hex(), "explorer", outcome.ExplorerURL)
		return res, nil
	case err != nil:
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "decode OfferCreated event",
			xerrors.WithRetryable(false), xerrors.WithMetadata("tx_hash", outcome.Hash.Hex()))
	}
	id, err := event.Uint(0)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "read offer id",
			xerrors.WithRetryable(false), xerrors.WithMetadata("tx_hash", outcome.Hash.Hex()))
	}
	res.OfferID = id
	res.EventFound = true
	return res, nil
}

// TakeLoan takes the offer as borrower.
func (o *Orchestrator) TakeLoan(ctx context.Context, req Request) (*Result, error) {
	return o.offerCall(ctx, req, OpTakeLoan, "takeLoan")
}

// Withdraw withdraws the lender's funds for the offer.
func (o *Orchestrator) Withdraw(ctx context.Context, req Request) (*Result, error) {
	return o.offerCall(ctx, req, OpWithdraw, "withdrawLender")
}

func (o *Orchestrator) offerCall(ctx context.Context, req Request, op Operation, method string) (*Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	req = req.withDefaults(o.cfg.Defaults)
	req.Operation = op
	lending, err := o.lendingAddress()
	if err != nil {
		return nil, err
	}

	res := o.newResult(op)
	res.OfferID = new(big.Int).Set(req.OfferID)
	o.log.Info("sending offer transaction", "method", method, "offer_id", req.OfferID.String())

	outcome, err := o.send(ctx, req, method, lending, o.cfg.LendingABI, method, req.OfferID)
	if err != nil {
		return nil, err
	}
	res.Transactions = append(res.Transactions, outcome)
	return res, nil
}

// Repay reads the amount owed, approves exactly that amount to the lending
// contract, waits for the approval and then repays.
func (o *Orchestrator) Repay(ctx context.Context, req Request) (*Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	req = req.withDefaults(o.cfg.Defaults)
	req.Operation = OpRepay
	lending, err := o.lendingAddress()
	if err != nil {
		return nil, err
	}

	amount, err := o.repayAmount(ctx, lending, req.OfferID)
	if err != nil {
		return nil, err
	}
	res := o.newResult(OpRepay)
	res.OfferID = new(big.Int).Set(req.OfferID)
	res.Amount = amount
	o.log.Info("repaying loan", "offer_id", req.OfferID.String(), "repay_amount", amount.String())

	approval, err := o.send(ctx, req, "approve", o.cfg.Token, o.cfg.TokenABI, "approve", lending, amount)
	if err != nil {
		return nil, err
	}
	res.Transactions = append(res.Transactions, approval)

	repaid, err := o.send(ctx, req, "repay", lending, o.cfg.LendingABI, "repay", req.OfferID)
	if err != nil {
		return nil, afterConfirmed(err, approval)
	}
	res.Transactions = append(res.Transactions, repaid)
	return res, nil
}

// RepayAmount queries the amount currently owed for an offer.
func (o *Orchestrator) RepayAmount(ctx context.Context, offerID *big.Int) (*big.Int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if offerID == nil {
		offerID = new(big.Int).SetUint64(o.cfg.Defaults.OfferID)
	}
	lending, err := o.lendingAddress()
	if err != nil {
		return nil, err
	}
	return o.repayAmount(ctx, lending, offerID)
}

func (o *Orchestrator) repayAmount(ctx context.Context, lending common.Address, offerID *big.Int) (*big.Int, error) {
	out, err := o.backend.Call(ctx, lending, o.cfg.LendingABI, "repayAmount", offerID)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, xerrors.New(xerrors.CodeUnknown, "repayAmount returned no value")
	}
	amount, ok := out[0].(*big.Int)
	if !ok {
		return nil, xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("repayAmount returned %T", out[0]))
	}
	return amount, nil
}

func (o *Orchestrator) tokenDecimals(ctx context.Context) (uint8, error) {
	out, err := o.backend.Call(ctx, o.cfg.Token, o.cfg.TokenABI, "decimals")
	if err != nil {
		return 0, err
	}
	if len(out) == 0 {
		return 0, xerrors.New(xerrors.CodeUnknown, "decimals returned no value")
	}
	switch v := out[0].(type) {
	case uint8:
		return v, nil
	case *big.Int:
		if v.IsUint64() && v.Uint64() <= 255 {
			return uint8(v.Uint64()), nil
		}
	}
	return 0, xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("decimals returned unexpected %v", out[0]))
}

func (o *Orchestrator) lendingAddress() (common.Address, error) {
	if o.cfg.Lending == (common.Address{}) {
		return common.Address{}, xerrors.New(xerrors.CodeConfigInvalid,
			"lending contract address is not configured",
			xerrors.WithMetadata("field", "contracts.lending_address"))
	}
	return o.cfg.Lending, nil
}

func (o *Orchestrator) send(ctx context.Context, req Request, step string, contract common.Address, parsed abi.ABI, method string, args ...any) (TxOutcome, error) {
	outcome, _, err := o.sendWithReceipt(ctx, req, step, contract, parsed, method, args...)
	return outcome, err
}

func (o *Orchestrator) sendWithReceipt(ctx context.Context, req Request, step string, contract common.Address, parsed abi.ABI, method string, args ...any) (TxOutcome, *types.Receipt, error) {
	started := time.Now()
	tx, err := o.backend.Transact(ctx, o.auth, contract, parsed, method, args...)
	if err != nil {
		o.observe(req.Operation, "failed", started)
		return TxOutcome{}, nil, err
	}
	o.log.Info("transaction submitted", "step", step, "tx_hash", tx.Hash().Hex())

	receipt, outcome, err := o.await(ctx, req, step, tx, started)
	return outcome, receipt, err
}

func (o *Orchestrator) confirm(ctx context.Context, req Request, step string, tx *types.Transaction, started time.Time) (TxOutcome, error) {
	_, outcome, err := o.await(ctx, req, step, tx, started)
	return outcome, err
}

// await waits for the receipt of a submitted transaction, fails on a
// reverted status and records the confirmation.
func (o *Orchestrator) await(ctx context.Context, req Request, step string, tx *types.Transaction, started time.Time) (*types.Receipt, TxOutcome, error) {
	receipt, err := o.backend.WaitMined(ctx, tx)
	if err != nil {
		o.observe(req.Operation, "unconfirmed", started)
		return nil, TxOutcome{}, o.submitted(err, tx)
	}

	outcome := TxOutcome{
		Step:        step,
		Hash:        tx.Hash(),
		From:        o.auth.From,
		GasUsed:     receipt.GasUsed,
		Status:      receipt.Status,
		ExplorerURL: web3.ExplorerTxURL(o.cfg.ExplorerURL, tx.Hash()),
		Elapsed:     time.Since(started),
	}
	if to := tx.To(); to != nil {
		outcome.To = *to
	} else {
		outcome.To = receipt.ContractAddress
	}
	if receipt.BlockNumber != nil {
		outcome.BlockNumber = receipt.BlockNumber.Uint64()
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		o.observe(req.Operation, "reverted", started)
		o.record(ctx, req, outcome)
		return receipt, outcome, xerrors.New(xerrors.CodeTxReverted,
			fmt.Sprintf("%s transaction reverted", step),
			xerrors.WithMetadata("tx_hash", outcome.Hash.Hex()),
			xerrors.WithMetadata("step", step))
	}

	o.observe(req.Operation, "confirmed", started)
	o.record(ctx, req, outcome)
	logger.Audit().Info("transaction confirmed",
		"operation", string(req.Operation),
		"step", step,
		"network", o.cfg.Network,
		"tx_hash", outcome.Hash.Hex(),
		"block", outcome.BlockNumber,
		"gas_used", outcome.GasUsed,
	)
	return receipt, outcome, nil
}

// submitted marks a failure that happened after tx reached the node as
// non-retryable, so callers never submit the same flow twice.
func (o *Orchestrator) submitted(err error, tx *types.Transaction) error {
	code := xerrors.CodeOf(err)
	hash := ""
	if tx != nil {
		hash = tx.Hash().Hex()
	}
	return xerrors.Wrap(code, err, "transaction "+hash+" was submitted but not confirmed",
		xerrors.WithRetryable(false), xerrors.WithMetadata("tx_hash", hash))
}

// afterConfirmed marks a failure that follows a confirmed step of the same
// flow as non-retryable. Rerunning the flow would resend that step.
func afterConfirmed(err error, done TxOutcome) error {
	if !xerrors.RetryableError(err) {
		return err
	}
	return xerrors.Wrap(xerrors.CodeOf(err), err, done.Step+" already confirmed in "+done.Hash.Hex(),
		xerrors.WithRetryable(false), xerrors.WithMetadata("confirmed_tx", done.Hash.Hex()))
}

func (o *Orchestrator) record(ctx context.Context, req Request, outcome TxOutcome) {
	if o.recorder == nil {
		return
	}
	entry := Entry{Operation: req.Operation, JobID: req.JobID, Network: o.cfg.Network, Tx: outcome}
	switch req.Operation {
	case OpTakeLoan, OpRepay, OpWithdraw:
		entry.OfferID = req.OfferID
	}
	if err := o.recorder.RecordTx(context.WithoutCancel(ctx), entry); err != nil {
		o.log.Warn("record transaction failed", "tx_hash", outcome.Hash.Hex(), "error", err)
	}
}

func (o *Orchestrator) observe(op Operation, status string, started time.Time) {
	if o.observer != nil {
		o.observer.ObserveTx(op, status, time.Since(started))
	}
}

func (o *Orchestrator) newResult(op Operation) *Result {
	return &Result{Operation: op, Network: o.cfg.Network, Signer: o.auth.From}
}
