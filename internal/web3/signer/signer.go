// Package signer resolves the transaction signing identity from an
// environment variable holding a hex private key or from an encrypted v3
// keystore file.
package signer

import (
	"crypto/ecdsa"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"P2PLend-Chain/internal/config"
	xerrors "P2PLend-Chain/internal/errors"
)

// Signer holds one private key and the address derived from it.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// Load builds a signer from the configured source. A keystore path takes
// precedence over the private key environment variable.
func Load(cfg config.SignerConfig) (*Signer, error) {
	if path := strings.TrimSpace(cfg.KeystorePath); path != "" {
		return FromKeystore(path, os.Getenv(cfg.PassphraseEnv))
	}
	envName := strings.TrimSpace(cfg.PrivateKeyEnv)
	if envName == "" {
		envName = "PRIVATE_KEY"
	}
	raw := strings.TrimSpace(os.Getenv(envName))
	if raw == "" {
		return nil, xerrors.New(xerrors.CodeConfigInvalid,
			"no signing identity: set "+envName+" or signer.keystore_path",
			xerrors.WithMetadata("field", "signer.private_key_env"))
	}
	return FromHex(raw)
}

// FromHex parses a hex encoded secp256k1 private key, with or without 0x.
func FromHex(raw string) (*Signer, error) {
	raw = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(raw), "0x"), "0X")
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		// the key material is never echoed back
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "private key is not a valid hex secp256k1 key",
			xerrors.WithMetadata("field", "signer.private_key_env"))
	}
	return fromKey(key), nil
}

// FromKeystore decrypts a v3 keystore file with passphrase.
func FromKeystore(path, passphrase string) (*Signer, error) {
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "read keystore file",
			xerrors.WithMetadata("field", "signer.keystore_path"))
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "decrypt keystore file",
			xerrors.WithMetadata("field", "signer.passphrase_env"))
	}
	return fromKey(decrypted.PrivateKey), nil
}

func fromKey(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// Address returns the signer's account address.
func (s *Signer) Address() common.Address {
	return s.address
}

// TransactOpts returns EIP-155 transact options bound to chainID. A zero
// gasLimit leaves gas estimation to the node.
func (s *Signer) TransactOpts(chainID *big.Int, gasLimit uint64) (*bind.TransactOpts, error) {
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "chain id is required for signing",
			xerrors.WithMetadata("field", "network.chain_id"))
	}
	opts, err := bind.NewKeyedTransactorWithChainID(s.key, chainID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "build transactor")
	}
	opts.GasLimit = gasLimit
	return opts, nil
}
