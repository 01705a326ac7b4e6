package contracts

import (
	stdErrors "errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "P2PLend-Chain/internal/errors"
)

var (
	lendingAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	lenderAddr  = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func TestEmbeddedDescriptions(t *testing.T) {
	token, err := TokenABI("")
	require.NoError(t, err)
	require.NoError(t, RequireMethods(token, "decimals", "approve"))

	lending, err := LendingABI("")
	require.NoError(t, err)
	require.NoError(t, RequireMethods(lending, "createOffer", "takeLoan", "repayAmount", "repay", "withdrawLender"))
	_, ok := lending.Events["OfferCreated"]
	assert.True(t, ok)

	err = RequireMethods(token, "decimals", "mint")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeConfigInvalid, xerrors.CodeOf(err))
}

func TestLoadABIFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"type":"function","name":"decimals","inputs":[],"outputs":[{"name":"","type":"uint8"}],"stateMutability":"view"}]`), 0o644))

	parsed, err := TokenABI(path)
	require.NoError(t, err)
	assert.Contains(t, parsed.Methods, "decimals")

	_, err = TokenABI(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.Equal(t, xerrors.KindConfig, xerrors.KindOf(err))
}

func TestParseArtifactShapes(t *testing.T) {
	abiJSON := `[{"type":"constructor","inputs":[{"name":"_token","type":"address"}],"stateMutability":"nonpayable"}]`

	hardhat := []byte(`{"contractName":"P2PLending","abi":` + abiJSON + `,"bytecode":"0x6001600055"}`)
	art, err := ParseArtifact(hardhat)
	require.NoError(t, err)
	assert.Equal(t, "P2PLending", art.Name)
	assert.Equal(t, common.FromHex("0x6001600055"), art.Bytecode)
	assert.Len(t, art.ABI.Constructor.Inputs, 1)

	foundry := []byte(`{"abi":` + abiJSON + `,"bytecode":{"object":"6001600055"}}`)
	art, err = ParseArtifact(foundry)
	require.NoError(t, err)
	assert.Equal(t, common.FromHex("0x6001600055"), art.Bytecode)

	remix := []byte(`{"abi":` + abiJSON + `,"data":{"bytecode":{"object":"6001600055"}}}`)
	art, err = ParseArtifact(remix)
	require.NoError(t, err)
	assert.Equal(t, common.FromHex("0x6001600055"), art.Bytecode)

	_, err = ParseArtifact([]byte(`{"abi":` + abiJSON + `}`))
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeConfigInvalid, xerrors.CodeOf(err))
}

func TestLoadArtifactRequiresPath(t *testing.T) {
	_, err := LoadArtifact("  ")
	require.Error(t, err)
	assert.Equal(t, "contracts.lending_artifact", xerrors.MetadataOf(err)["field"])
}

func offerCreatedLog(t *testing.T, parsed abi.ABI, id int64) *types.Log {
	t.Helper()
	ev := parsed.Events["OfferCreated"]
	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(100), big.NewInt(500), big.NewInt(2592000))
	require.NoError(t, err)
	return &types.Log{
		Address: lendingAddr,
		Topics:  []common.Hash{ev.ID, common.BigToHash(big.NewInt(id)), common.BytesToHash(lenderAddr.Bytes())},
		Data:    data,
	}
}

func TestFindEventReturnsFirstMatch(t *testing.T) {
	parsed, err := LendingABI("")
	require.NoError(t, err)
	token, err := TokenABI("")
	require.NoError(t, err)

	approvalData, err := token.Events["Approval"].Inputs.NonIndexed().Pack(big.NewInt(1))
	require.NoError(t, err)
	approval := &types.Log{
		Address: common.HexToAddress("0x01"),
		Topics:  []common.Hash{token.Events["Approval"].ID, common.Hash{}, common.Hash{}},
		Data:    approvalData,
	}

	logs := []*types.Log{approval, offerCreatedLog(t, parsed, 7), offerCreatedLog(t, parsed, 8)}
	ev, err := FindEvent(parsed, logs, "OfferCreated", common.Address{})
	require.NoError(t, err)
	assert.Equal(t, "OfferCreated", ev.Name)

	id, err := ev.Uint(0)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id.Int64())

	lender, ok := ev.Arg("lender")
	require.True(t, ok)
	assert.Equal(t, lenderAddr, lender)

	duration, err := ev.Uint(4)
	require.NoError(t, err)
	assert.Equal(t, int64(2592000), duration.Int64())

	_, err = ev.Uint(1)
	assert.Error(t, err)
}

func TestDecodeEventUnnamedInputs(t *testing.T) {
	uint256, err := abi.NewType("uint256", "", nil)
	require.NoError(t, err)
	address, err := abi.NewType("address", "", nil)
	require.NoError(t, err)

	desc := abi.Event{
		Name: "Settled",
		Inputs: abi.Arguments{
			{Type: uint256, Indexed: true},
			{Type: uint256},
			{Type: address},
		},
	}
	data, err := desc.Inputs.NonIndexed().Pack(big.NewInt(250), lenderAddr)
	require.NoError(t, err)

	ev, err := DecodeEvent(desc, types.Log{
		Topics: []common.Hash{{}, common.BigToHash(big.NewInt(9))},
		Data:   data,
	})
	require.NoError(t, err)
	require.Len(t, ev.Args, 3)
	assert.Equal(t, []string{"arg0", "arg1", "arg2"}, []string{ev.Args[0].Name, ev.Args[1].Name, ev.Args[2].Name})

	id, err := ev.Uint(0)
	require.NoError(t, err)
	assert.Equal(t, int64(9), id.Int64())
	amount, err := ev.Uint(1)
	require.NoError(t, err)
	assert.Equal(t, int64(250), amount.Int64())
	assert.Equal(t, lenderAddr, ev.Args[2].Value)
}

func TestFindEventNotFound(t *testing.T) {
	parsed, err := LendingABI("")
	require.NoError(t, err)

	_, err = FindEvent(parsed, nil, "OfferCreated", common.Address{})
	require.ErrorIs(t, err, ErrEventNotFound)

	other := offerCreatedLog(t, parsed, 1)
	_, err = FindEvent(parsed, []*types.Log{other}, "OfferCreated", common.HexToAddress("0xdead"))
	require.ErrorIs(t, err, ErrEventNotFound)

	_, err = FindEvent(parsed, nil, "Missing", common.Address{})
	require.Error(t, err)
	assert.False(t, stdErrors.Is(err, ErrEventNotFound))
}

func TestFindEventMalformedLog(t *testing.T) {
	parsed, err := LendingABI("")
	require.NoError(t, err)

	broken := offerCreatedLog(t, parsed, 3)
	broken.Data = nil
	_, err = FindEvent(parsed, []*types.Log{broken}, "OfferCreated", lendingAddr)
	require.Error(t, err)
	assert.False(t, stdErrors.Is(err, ErrEventNotFound))
}
