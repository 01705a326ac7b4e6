package provider

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient/simulated"

	"P2PLend-Chain/internal/config"
	xerrors "P2PLend-Chain/internal/errors"
	"P2PLend-Chain/internal/web3"
	"P2PLend-Chain/internal/web3/ethereum"
)

func newSimulatedClient(t *testing.T, name string) web3.Client {
	t.Helper()
	sim := simulated.NewBackend(coretypes.GenesisAlloc{})
	t.Cleanup(func() { _ = sim.Close() })
	return ethereum.NewSimulatedClient(name, sim)
}

func TestStaticRegistry(t *testing.T) {
	local := newSimulatedClient(t, "localhost")
	other := newSimulatedClient(t, "celo-sepolia")

	registry, err := NewStaticRegistry("localhost", map[string]web3.Client{
		"localhost":    local,
		"celo-sepolia": other,
	})
	if err != nil {
		t.Fatalf("NewStaticRegistry: %v", err)
	}
	defer registry.Close()

	client, err := registry.DefaultClient()
	if err != nil {
		t.Fatalf("DefaultClient: %v", err)
	}
	if client.Name() != "localhost" {
		t.Fatalf("expected localhost client, got %s", client.Name())
	}
	if got, ok := registry.Client("celo-sepolia"); !ok || got.Name() != "celo-sepolia" {
		t.Fatalf("expected celo-sepolia client, got %v %v", got, ok)
	}
	if _, ok := registry.Client("mainnet"); ok {
		t.Fatalf("unexpected client for unknown network")
	}
	if got := registry.Networks(); !reflect.DeepEqual(got, []string{"celo-sepolia", "localhost"}) {
		t.Fatalf("unexpected networks %v", got)
	}

	registry.Close()
	if got := registry.Networks(); len(got) != 0 {
		t.Fatalf("expected no networks after close, got %v", got)
	}
}

func TestStaticRegistryUnknownDefault(t *testing.T) {
	_, err := NewStaticRegistry("mainnet", map[string]web3.Client{"localhost": newSimulatedClient(t, "localhost")})
	if xerrors.CodeOf(err) != xerrors.CodeConfigInvalid {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestNilRegistry(t *testing.T) {
	var registry *Registry
	if _, err := registry.DefaultClient(); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected initialization failure, got %v", err)
	}
	if registry.Networks() != nil {
		t.Fatalf("expected nil networks")
	}
	registry.Close()
}

func TestNewRegistryConfigErrors(t *testing.T) {
	dir := t.TempDir()
	solana := filepath.Join(dir, "chain.yaml")
	content := "networks:\n  devnet:\n    type: solana\n    rpc_url: https://api.devnet.solana.com\n"
	if err := os.WriteFile(solana, []byte(content), 0o600); err != nil {
		t.Fatalf("write chain config: %v", err)
	}

	tests := []struct {
		name  string
		cfg   config.NetworkConfig
		field string
	}{
		{
			name:  "unreadable definitions",
			cfg:   config.NetworkConfig{Name: "localhost", ChainConfig: filepath.Join(dir, "missing.yaml")},
			field: "network.chain_config",
		},
		{
			name:  "unknown network",
			cfg:   config.NetworkConfig{Name: "localhost"},
			field: "network.name",
		},
		{
			name: "unsupported type",
			cfg:  config.NetworkConfig{Name: "devnet", ChainConfig: solana},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(context.Background(), tt.cfg, config.TxConfig{})
			if xerrors.CodeOf(err) != xerrors.CodeConfigInvalid {
				t.Fatalf("expected config error, got %v", err)
			}
			if tt.field != "" && xerrors.MetadataOf(err)["field"] != tt.field {
				t.Fatalf("expected field %s, got %v", tt.field, xerrors.MetadataOf(err))
			}
		})
	}
}
