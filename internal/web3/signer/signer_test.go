package signer

import (
	"io/fs"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"P2PLend-Chain/internal/config"
	xerrors "P2PLend-Chain/internal/errors"
)

const (
	devKey     = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	devAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("P2PLEND_TEST_KEY", devKey)

	s, err := Load(config.SignerConfig{PrivateKeyEnv: "P2PLEND_TEST_KEY"})
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(devAddress), s.Address())

	opts, err := s.TransactOpts(big.NewInt(11142220), 300_000)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), opts.From)
	assert.Equal(t, uint64(300_000), opts.GasLimit)
}

func TestLoadMissingIdentity(t *testing.T) {
	t.Setenv("P2PLEND_TEST_KEY", "")

	_, err := Load(config.SignerConfig{PrivateKeyEnv: "P2PLEND_TEST_KEY"})
	require.Error(t, err)
	assert.Equal(t, xerrors.KindConfig, xerrors.KindOf(err))
	assert.Contains(t, err.Error(), "P2PLEND_TEST_KEY")
}

func TestFromHexDoesNotLeakKey(t *testing.T) {
	_, err := FromHex("0xnot-a-key-deadbeef")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeConfigInvalid, xerrors.CodeOf(err))
	assert.NotContains(t, err.Error(), "deadbeef")
}

func TestLoadFromKeystore(t *testing.T) {
	key, err := crypto.HexToECDSA(devKey[2:])
	require.NoError(t, err)

	ks := keystore.NewKeyStore(t.TempDir(), keystore.LightScryptN, keystore.LightScryptP)
	account, err := ks.ImportECDSA(key, "correct horse")
	require.NoError(t, err)

	t.Setenv("P2PLEND_TEST_PASS", "correct horse")
	s, err := Load(config.SignerConfig{KeystorePath: account.URL.Path, PassphraseEnv: "P2PLEND_TEST_PASS"})
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(devAddress), s.Address())

	t.Setenv("P2PLEND_TEST_PASS", "wrong")
	_, err = Load(config.SignerConfig{KeystorePath: account.URL.Path, PassphraseEnv: "P2PLEND_TEST_PASS"})
	require.Error(t, err)
	assert.Equal(t, "signer.passphrase_env", xerrors.MetadataOf(err)["field"])

	_, err = FromKeystore(filepath.Join(t.TempDir(), "missing.json"), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestTransactOptsRequiresChainID(t *testing.T) {
	s, err := FromHex(devKey)
	require.NoError(t, err)
	_, err = s.TransactOpts(nil, 0)
	require.Error(t, err)
}
