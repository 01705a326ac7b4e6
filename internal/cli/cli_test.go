package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"P2PLend-Chain/internal/api"
	xerrors "P2PLend-Chain/internal/errors"
	"P2PLend-Chain/internal/job"
	"P2PLend-Chain/internal/web3"
)

const (
	testPrivateKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testSigner     = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	testLending    = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

// stubChain answers the calls a single flow makes and mines every
// transaction immediately.
type stubChain struct {
	mu       sync.Mutex
	status   uint64
	repay    *big.Int
	nonce    uint64
	sent     []common.Hash
	methods  []string
	contract common.Address
}

func newStubChain() *stubChain {
	return &stubChain{status: types.ReceiptStatusSuccessful, repay: big.NewInt(1050)}
}

func (s *stubChain) Name() string        { return "stub" }
func (s *stubChain) ExplorerURL() string { return "https://explorer.example" }

func (s *stubChain) ChainID(context.Context) (*big.Int, error) { return big.NewInt(31337), nil }

func (s *stubChain) FetchChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{}, nil
}

func (s *stubChain) Call(_ context.Context, _ common.Address, _ abi.ABI, method string, _ ...any) ([]any, error) {
	switch method {
	case "decimals":
		return []any{uint8(18)}, nil
	case "repayAmount":
		return []any{new(big.Int).Set(s.repay)}, nil
	}
	return nil, fmt.Errorf("unexpected call %s", method)
}

func (s *stubChain) Transact(_ context.Context, _ *bind.TransactOpts, contract common.Address, _ abi.ABI, method string, _ ...any) (*types.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonce++
	tx := types.NewTx(&types.LegacyTx{Nonce: s.nonce, To: &contract, Gas: 100000, GasPrice: big.NewInt(1)})
	s.sent = append(s.sent, tx.Hash())
	s.methods = append(s.methods, method)
	s.contract = contract
	return tx, nil
}

func (s *stubChain) WaitMined(_ context.Context, tx *types.Transaction) (*types.Receipt, error) {
	return &types.Receipt{
		Status:      s.status,
		TxHash:      tx.Hash(),
		BlockNumber: big.NewInt(42),
		GasUsed:     51000,
	}, nil
}

func (s *stubChain) DeployContract(context.Context, *bind.TransactOpts, abi.ABI, []byte, ...any) (web3.DeploymentResult, error) {
	return web3.DeploymentResult{}, errors.New("deploy not supported by stub")
}

func (s *stubChain) WaitDeployed(context.Context, *types.Transaction) (common.Address, error) {
	return common.Address{}, errors.New("deploy not supported by stub")
}

func (s *stubChain) SubscribeEvents(context.Context, gethcore.FilterQuery) (*web3.EventSubscription, error) {
	return nil, errors.New("subscriptions not supported by stub")
}

func (s *stubChain) Close() {}

type testConfig struct {
	lending       string
	journalDriver string
}

func writeConfig(t *testing.T, tc testConfig) string {
	t.Helper()
	dir := t.TempDir()
	if tc.lending == "" {
		tc.lending = "<PASTE_CONTRACT_ADDRESS>"
	}
	if tc.journalDriver == "" {
		tc.journalDriver = "memory"
	}
	content := fmt.Sprintf(`network:
  name: localhost
  rpc_url: http://127.0.0.1:8545
contracts:
  token_address: "0xEF4d55D6dE8e8d73232827Cd1e9b2F2dBb45bC80"
  lending_address: "%s"
storage:
  journal:
    driver: %s
    path: %s
log:
  level: error
`, tc.lending, tc.journalDriver, filepath.Join(dir, "journal.log"))
	path := filepath.Join(dir, "p2plend.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func run(t *testing.T, client web3.Client, args ...string) (int, string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	opts := []Option{WithOutput(&out, &errOut)}
	if client != nil {
		opts = append(opts, WithClient(client))
	}
	code := Execute(context.Background(), args, opts...)
	return code, out.String(), errOut.String()
}

func TestVersion(t *testing.T) {
	code, out, _ := run(t, nil, "version")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "p2plend version dev")
}

func TestMissingConfigFile(t *testing.T) {
	code, _, errOut := run(t, nil, "history", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "❌ [config]")
}

func TestOperationRequiresLendingAddress(t *testing.T) {
	cfg := writeConfig(t, testConfig{})
	chain := newStubChain()

	code, out, errOut := run(t, chain, "take-loan", "--offer", "1", "--config", cfg)
	assert.Equal(t, 2, code)
	assert.Empty(t, out)
	assert.Contains(t, errOut, "❌ [config]")
	assert.Contains(t, errOut, "contracts.lending_address")
	assert.Empty(t, chain.sent, "nothing is sent without a lending address")
}

func TestApproveRejectsBadSpender(t *testing.T) {
	cfg := writeConfig(t, testConfig{lending: testLending})

	code, _, errOut := run(t, newStubChain(), "approve", "--spender", "bob", "--config", cfg)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "check the spender parameter")
}

func TestUnknownFlagIsConfigError(t *testing.T) {
	chain := newStubChain()

	code, out, errOut := run(t, chain, "take-loan", "--bogus")
	assert.Equal(t, 2, code)
	assert.Empty(t, out)
	assert.Contains(t, errOut, "❌ [config] [INVALID_ARGUMENT]")
	assert.Contains(t, errOut, "--bogus")
	assert.Contains(t, errOut, "run 'p2plend take-loan --help' for usage")
	assert.Empty(t, chain.sent)
}

func TestCreateOfferRejectsZeroDuration(t *testing.T) {
	cfg := writeConfig(t, testConfig{lending: testLending})
	chain := newStubChain()

	code, _, errOut := run(t, chain, "create-offer", "--duration", "0", "--config", cfg)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "check the duration parameter")
	assert.Empty(t, chain.sent)
}

func TestMissingSignerIsConfigError(t *testing.T) {
	t.Setenv("PRIVATE_KEY", "")
	cfg := writeConfig(t, testConfig{lending: testLending})

	code, _, errOut := run(t, newStubChain(), "withdraw", "--offer", "2", "--config", cfg)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "signer.private_key_env")
}

func TestTakeLoanAndHistory(t *testing.T) {
	t.Setenv("PRIVATE_KEY", testPrivateKey)
	cfg := writeConfig(t, testConfig{lending: testLending})
	chain := newStubChain()

	code, out, errOut := run(t, chain, "take-loan", "--offer", "3", "--config", cfg)
	require.Equal(t, 0, code, errOut)
	require.Len(t, chain.sent, 1)
	assert.Equal(t, []string{"takeLoan"}, chain.methods)
	assert.Equal(t, common.HexToAddress(testLending), chain.contract)

	hash := chain.sent[0].Hex()
	assert.Contains(t, out, "take-loan on stub as "+testSigner)
	assert.Contains(t, out, "tx "+hash)
	assert.Contains(t, out, "https://explorer.example/tx/"+hash)
	assert.Contains(t, out, "✅ takeLoan(3) OK")

	code, out, errOut = run(t, nil, "history", "--config", cfg)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, hash)
	assert.Contains(t, out, "take-loan")

	code, out, _ = run(t, nil, "history", "--tx", hash, "--config", cfg)
	require.Equal(t, 0, code)
	assert.Contains(t, out, hash)

	code, _, errOut = run(t, nil, "history", "--tx", "0xdeadbeef", "--config", cfg)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "NOT_FOUND")
}

func TestRevertedTransaction(t *testing.T) {
	t.Setenv("PRIVATE_KEY", testPrivateKey)
	cfg := writeConfig(t, testConfig{lending: testLending})
	chain := newStubChain()
	chain.status = types.ReceiptStatusFailed

	code, _, errOut := run(t, chain, "withdraw", "--offer", "2", "--config", cfg)
	assert.Equal(t, 4, code)
	assert.Contains(t, errOut, "❌ [rejected]")
	require.Len(t, chain.sent, 1)
	assert.Contains(t, errOut, chain.sent[0].Hex())
}

func TestRepayAmount(t *testing.T) {
	t.Setenv("PRIVATE_KEY", testPrivateKey)
	cfg := writeConfig(t, testConfig{lending: testLending})

	code, out, errOut := run(t, newStubChain(), "repay-amount", "--offer", "5", "--config", cfg)
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "repayAmount: 1050\n", out)
}

func TestHistoryDisabledJournal(t *testing.T) {
	cfg := writeConfig(t, testConfig{journalDriver: "none"})

	code, _, errOut := run(t, nil, "history", "--config", cfg)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "storage.journal.driver")
}

func TestWatchRejectsUnknownEvent(t *testing.T) {
	cfg := writeConfig(t, testConfig{lending: testLending})

	code, _, errOut := run(t, newStubChain(), "watch", "--event", "Bogus", "--config", cfg)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, `--event "Bogus"`)
	assert.Contains(t, errOut, "check the --event flag")
}

func TestJobsCommands(t *testing.T) {
	store := job.NewMemoryStore()
	svc := job.NewService(store, job.NewMemoryQueue(16), 3)
	t.Cleanup(func() { _ = svc.Close() })
	srv := httptest.NewServer(api.NewServer(":0", svc).Handler())
	t.Cleanup(srv.Close)
	cfg := writeConfig(t, testConfig{})

	jobs := func(args ...string) (int, string, string) {
		return run(t, nil, append(args, "--server", srv.URL, "--config", cfg)...)
	}

	code, out, errOut := jobs("jobs", "submit", "take-loan", "--id", "job-cli", "-p", "offer_id=3")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "✅ Job job-cli queued (take-loan)")

	code, out, errOut = jobs("jobs", "list")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "job-cli")
	assert.Contains(t, out, "pending")

	code, out, errOut = jobs("jobs", "status", "job-cli")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Job job-cli")
	assert.Contains(t, out, "param      offer_id=3")

	code, out, errOut = jobs("jobs", "stats")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "total 1  pending 1")

	code, out, _ = jobs("jobs", "list", "--status", "failed")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "No jobs found.")

	code, _, errOut = jobs("jobs", "status", "missing")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "JOB_NOT_FOUND")

	code, _, errOut = jobs("jobs", "submit", "take-loan", "-p", "offer_id=abc")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "JOB_VALIDATION_FAILED")
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{xerrors.New(xerrors.CodeConfigInvalid, "x"), 2},
		{xerrors.New(xerrors.CodeInvalidArgument, "x"), 2},
		{xerrors.New(xerrors.CodeNetworkFailure, "x"), 3},
		{xerrors.New(xerrors.CodeTimeout, "x"), 3},
		{xerrors.New(xerrors.CodeTxReverted, "x"), 4},
		{xerrors.New(xerrors.CodeStorageFailure, "x"), 1},
		{errors.New("plain"), 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, exitCode(tt.err), tt.err.Error())
	}
}
