package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"P2PLend-Chain/internal/config"
	xerrors "P2PLend-Chain/internal/errors"
	"P2PLend-Chain/internal/web3"
	"P2PLend-Chain/internal/web3/ethereum"
)

// Registry manages a set of chain clients keyed by network name.
type Registry struct {
	defaultNetwork string
	clients        map[string]web3.Client
}

// NewRegistry loads network definitions and instantiates concrete clients.
// The inline rpc_url of the network section is used when the definitions
// file does not name the selected network.
func NewRegistry(ctx context.Context, cfg config.NetworkConfig, tx config.TxConfig) (*Registry, error) {
	defs, err := web3.LoadNetworkDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "加载网络定义失败",
			xerrors.WithMetadata("field", "network.chain_config"))
	}

	if _, ok := defs.Networks[cfg.Name]; !ok && strings.TrimSpace(cfg.RPCURL) != "" {
		defs.Networks[cfg.Name] = web3.NetworkDefinition{
			RPCURL:      cfg.RPCURL,
			WSURL:       cfg.WSURL,
			ChainID:     cfg.ChainID,
			ExplorerURL: cfg.ExplorerURL,
		}
	}
	if _, ok := defs.Networks[cfg.Name]; !ok {
		return nil, xerrors.New(xerrors.CodeConfigInvalid,
			fmt.Sprintf("网络 %s 未在配置中找到", cfg.Name),
			xerrors.WithMetadata("field", "network.name"))
	}

	registry := &Registry{defaultNetwork: cfg.Name, clients: make(map[string]web3.Client)}
	for name, def := range defs.Networks {
		networkType := strings.ToLower(strings.TrimSpace(def.Type))
		if networkType == "" {
			networkType = "evm"
		}
		if networkType != "evm" {
			registry.Close()
			return nil, xerrors.New(xerrors.CodeConfigInvalid,
				fmt.Sprintf("网络 %s 使用了不支持的类型 %s", name, def.Type))
		}
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:           name,
			RPCURL:         def.RPCURL,
			WSURL:          def.WSURL,
			ChainID:        def.ChainID,
			ExplorerURL:    def.ExplorerURL,
			Notes:          def.Description,
			PollInterval:   tx.PollInterval,
			ConfirmTimeout: tx.ConfirmTimeout,
		})
		if err != nil {
			registry.Close()
			return nil, err
		}
		registry.clients[name] = client
	}
	return registry, nil
}

// NewStaticRegistry wraps already constructed clients, used by tests and
// embedded setups.
func NewStaticRegistry(defaultNetwork string, clients map[string]web3.Client) (*Registry, error) {
	if _, ok := clients[defaultNetwork]; !ok {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, fmt.Sprintf("默认网络 %s 未注册", defaultNetwork))
	}
	copied := make(map[string]web3.Client, len(clients))
	for name, client := range clients {
		copied[name] = client
	}
	return &Registry{defaultNetwork: defaultNetwork, clients: copied}, nil
}

// DefaultClient returns the client configured as the selected network.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultNetwork]
	if !ok {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, fmt.Sprintf("默认网络 %s 未在注册表中", r.defaultNetwork))
	}
	return client, nil
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Networks returns the list of registered network names.
func (r *Registry) Networks() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
