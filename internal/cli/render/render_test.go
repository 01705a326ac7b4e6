package render

import (
	"bytes"
	"errors"
	"math/big"
	"os"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "P2PLend-Chain/internal/errors"
	"P2PLend-Chain/internal/job"
	"P2PLend-Chain/internal/lending"
	"P2PLend-Chain/internal/storage/mysql"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func TestFormatError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "config",
			err:  xerrors.New(xerrors.CodeConfigInvalid, "lending address missing"),
			want: "❌ [config] [CONFIG_INVALID] lending address missing",
		},
		{
			name: "network",
			err:  xerrors.New(xerrors.CodeNetworkFailure, "dial failed"),
			want: "❌ [network] [NETWORK_FAILURE] dial failed",
		},
		{
			name: "rejected",
			err:  xerrors.New(xerrors.CodeTxReverted, "execution reverted"),
			want: "❌ [rejected] [TX_REVERTED] execution reverted",
		},
		{
			name: "plain",
			err:  errors.New("unknown command"),
			want: "❌ Unknown command",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatError(tt.err))
		})
	}
	assert.Empty(t, FormatError(nil))
}

func TestHint(t *testing.T) {
	field := xerrors.New(xerrors.CodeConfigInvalid, "bad", xerrors.WithMetadata("field", "contracts.lending_address"))
	assert.Contains(t, Hint(field), `"contracts.lending_address"`)

	flag := xerrors.New(xerrors.CodeInvalidArgument, "bad", xerrors.WithMetadata("flag", "offer"))
	assert.Equal(t, "check the --offer flag", Hint(flag))

	usage := xerrors.New(xerrors.CodeInvalidArgument, "bad", xerrors.WithMetadata("usage", "p2plend take-loan"))
	assert.Equal(t, "run 'p2plend take-loan --help' for usage", Hint(usage))

	reverted := xerrors.New(xerrors.CodeTxReverted, "reverted", xerrors.WithMetadata("tx_hash", "0xabc"))
	assert.Contains(t, Hint(reverted), "0xabc")

	assert.NotEmpty(t, Hint(xerrors.New(xerrors.CodeNetworkFailure, "down")))
	assert.Empty(t, Hint(errors.New("plain")))
}

func TestResultDeploy(t *testing.T) {
	var buf bytes.Buffer
	contract := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	Result(&buf, &lending.Result{
		Operation:       lending.OpDeploy,
		Signer:          common.HexToAddress("0x00000000000000000000000000000000000000bb"),
		ContractAddress: contract,
		Transactions: []lending.TxOutcome{{
			Step:        "deploy",
			Hash:        common.HexToHash("0x01"),
			BlockNumber: 7,
			GasUsed:     21000,
		}},
	}, "https://explorer.example/")

	out := buf.String()
	assert.Contains(t, out, "deploy  block 7  gas 21000")
	assert.Contains(t, out, "P2PLending deployed at: "+contract.Hex())
	assert.Contains(t, out, "https://explorer.example/address/"+contract.Hex())
	assert.Contains(t, out, "✅ Done")
}

func TestResultCreateOffer(t *testing.T) {
	t.Run("event found", func(t *testing.T) {
		var buf bytes.Buffer
		Result(&buf, &lending.Result{
			Operation:  lending.OpCreateOffer,
			OfferID:    big.NewInt(4),
			EventFound: true,
		}, "")
		assert.Contains(t, buf.String(), "OfferCreated id: 4")
	})

	t.Run("event missing", func(t *testing.T) {
		var buf bytes.Buffer
		Result(&buf, &lending.Result{
			Operation: lending.OpCreateOffer,
			Transactions: []lending.TxOutcome{{
				Step:        "createOffer",
				Hash:        common.HexToHash("0x02"),
				ExplorerURL: "https://explorer.example/tx/0x02",
			}},
		}, "")
		assert.Contains(t, buf.String(), "OfferCreated id: (see explorer: https://explorer.example/tx/0x02)")
	})

	t.Run("no explorer", func(t *testing.T) {
		var buf bytes.Buffer
		Result(&buf, &lending.Result{Operation: lending.OpCreateOffer}, "")
		assert.Equal(t, "OfferCreated id: (see explorer)\n", buf.String())
	})
}

func TestResultSimpleFlows(t *testing.T) {
	tests := []struct {
		name string
		res  *lending.Result
		want []string
	}{
		{
			name: "approve",
			res: &lending.Result{
				Operation: lending.OpApprove,
				Amount:    new(big.Int).Mul(big.NewInt(100), big.NewInt(1_000_000)),
				Decimals:  6,
			},
			want: []string{"✅ Approved 100 (100000000 base units)"},
		},
		{
			name: "take-loan",
			res:  &lending.Result{Operation: lending.OpTakeLoan, OfferID: big.NewInt(0)},
			want: []string{"✅ takeLoan(0) OK"},
		},
		{
			name: "repay",
			res:  &lending.Result{Operation: lending.OpRepay, OfferID: big.NewInt(1), Amount: big.NewInt(105)},
			want: []string{"repayAmount: 105", "✅ Repay done"},
		},
		{
			name: "withdraw",
			res:  &lending.Result{Operation: lending.OpWithdraw, OfferID: big.NewInt(2)},
			want: []string{"✅ withdrawLender(2) OK"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			Result(&buf, tt.res, "")
			for _, want := range tt.want {
				assert.Contains(t, buf.String(), want)
			}
		})
	}

	var buf bytes.Buffer
	Result(&buf, nil, "")
	assert.Empty(t, buf.String())
}

func TestJobs(t *testing.T) {
	var buf bytes.Buffer
	Jobs(&buf, nil)
	assert.Equal(t, "No jobs found.\n", buf.String())

	buf.Reset()
	Jobs(&buf, []*job.Job{
		{
			ID:         "job-1",
			Operation:  lending.OpTakeLoan,
			Status:     job.StatusSucceeded,
			Attempts:   1,
			MaxRetries: 3,
			Result:     &job.Result{TxHashes: []string{"0xaaa", "0xbbb"}},
		},
		{
			ID:         "job-2",
			Operation:  lending.OpRepay,
			Status:     job.StatusFailed,
			Attempts:   3,
			MaxRetries: 3,
			LastError:  "execution reverted",
		},
	})
	out := buf.String()
	assert.Contains(t, out, "OPERATION")
	assert.Contains(t, out, "job-1")
	assert.Contains(t, out, "0xbbb")
	assert.NotContains(t, out, "0xaaa")
	assert.Contains(t, out, "3/3")
	assert.Contains(t, out, "execution reverted")
}

func TestJob(t *testing.T) {
	var buf bytes.Buffer
	Job(&buf, &job.Job{
		ID:         "job-9",
		Operation:  lending.OpCreateOffer,
		Status:     job.StatusSucceeded,
		Attempts:   1,
		MaxRetries: 3,
		Params:     map[string]string{"principal": "250", "duration": "60", "interest_bps": "500"},
		Result:     &job.Result{TxHashes: []string{"0xaaa"}, OfferID: "4"},
	})
	out := buf.String()
	require.Contains(t, out, "Job job-9")
	assert.Contains(t, out, "  offer      4")

	duration := bytes.Index(buf.Bytes(), []byte("param      duration=60"))
	principal := bytes.Index(buf.Bytes(), []byte("param      principal=250"))
	require.NotEqual(t, -1, duration)
	require.NotEqual(t, -1, principal)
	assert.Less(t, duration, principal, "params are sorted by key")
}

func TestHistory(t *testing.T) {
	var buf bytes.Buffer
	History(&buf, nil)
	assert.Equal(t, "No transactions recorded.\n", buf.String())

	buf.Reset()
	History(&buf, []mysql.TxRecord{
		{Operation: "create-offer", Step: "createOffer", Network: "localhost", BlockNumber: 12, OfferID: "3", TxHash: "0xfeed"},
		{Operation: "approve", Step: "approve", Network: "localhost", BlockNumber: 11, TxHash: "0xbeef"},
	})
	out := buf.String()
	assert.Contains(t, out, "NETWORK")
	assert.Contains(t, out, "0xfeed")
	assert.Contains(t, out, "0xbeef")
	assert.Contains(t, out, "createOffer")
}
