package cli

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"

	"P2PLend-Chain/internal/config"
	"P2PLend-Chain/internal/contracts"
	"P2PLend-Chain/internal/lending"
	"P2PLend-Chain/internal/observability/metrics"
	"P2PLend-Chain/internal/storage/mysql"
	"P2PLend-Chain/internal/web3"
	"P2PLend-Chain/internal/web3/provider"
	"P2PLend-Chain/internal/web3/signer"
)

// app carries what a command needs. Chain-facing parts are built on first
// use, so read-only commands run without a signer or RPC endpoint.
type app struct {
	cfg    *config.Config
	out    io.Writer
	errOut io.Writer

	// client, when set, replaces the registry (simulated or embedded chains).
	client   web3.Client
	registry *provider.Registry
	journal  mysql.JournalRepository
	metrics  *metrics.Metrics
}

// orchestratorMode selects which contract wiring is mandatory.
type orchestratorMode int

const (
	// modeOperation requires the lending address, except for deploy which
	// requires the artifact instead.
	modeOperation orchestratorMode = iota
	// modeService wires whatever is configured; jobs fail individually when
	// their operation lacks an address or artifact.
	modeService
)

func (a *app) chainClient(ctx context.Context) (web3.Client, error) {
	if a.client != nil {
		return a.client, nil
	}
	if a.registry == nil {
		registry, err := provider.NewRegistry(ctx, a.cfg.Network, a.cfg.Tx)
		if err != nil {
			return nil, err
		}
		a.registry = registry
	}
	return a.registry.DefaultClient()
}

func (a *app) openJournal(ctx context.Context) (mysql.JournalRepository, error) {
	if a.journal != nil {
		return a.journal, nil
	}
	journalCfg := a.cfg.Storage.Journal
	switch journalCfg.Driver {
	case "none":
		return nil, nil
	case "mysql":
		repo, err := mysql.NewSQLJournal(ctx, mysql.Config{DSN: journalCfg.DSN})
		if err != nil {
			return nil, err
		}
		a.journal = repo
	default:
		repo, err := mysql.NewMemoryJournal(journalCfg.Path)
		if err != nil {
			return nil, err
		}
		a.journal = repo
	}
	return a.journal, nil
}

// orchestrator wires configuration, signer, ABIs and the chain client into a
// lending orchestrator for op. Configuration problems are reported before
// any connection is made.
func (a *app) orchestrator(ctx context.Context, op lending.Operation, mode orchestratorMode) (*lending.Orchestrator, web3.Client, error) {
	cfg := a.cfg
	token, err := cfg.TokenAddress()
	if err != nil {
		return nil, nil, err
	}
	tokenABI, err := contracts.TokenABI(cfg.Contracts.TokenABI)
	if err != nil {
		return nil, nil, err
	}
	lendingABI, err := contracts.LendingABI(cfg.Contracts.LendingABI)
	if err != nil {
		return nil, nil, err
	}
	defaults, err := lendingDefaults(cfg)
	if err != nil {
		return nil, nil, err
	}
	orchCfg := lending.Config{
		Token:      token,
		TokenABI:   tokenABI,
		LendingABI: lendingABI,
		Defaults:   defaults,
	}

	switch {
	case mode == modeOperation && op == lending.OpDeploy:
		artifact, err := contracts.LoadArtifact(cfg.Contracts.LendingArtifact)
		if err != nil {
			return nil, nil, err
		}
		orchCfg.Artifact = &artifact
	case mode == modeOperation:
		addr, err := cfg.RequireLendingAddress()
		if err != nil {
			return nil, nil, err
		}
		orchCfg.Lending = addr
	default:
		if addr, err := cfg.RequireLendingAddress(); err == nil {
			orchCfg.Lending = addr
		}
		if _, statErr := os.Stat(cfg.Contracts.LendingArtifact); statErr == nil {
			artifact, err := contracts.LoadArtifact(cfg.Contracts.LendingArtifact)
			if err != nil {
				return nil, nil, err
			}
			orchCfg.Artifact = &artifact
		}
	}

	identity, err := signer.Load(cfg.Signer)
	if err != nil {
		return nil, nil, err
	}
	client, err := a.chainClient(ctx)
	if err != nil {
		return nil, nil, err
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, nil, err
	}
	auth, err := identity.TransactOpts(chainID, cfg.Tx.GasLimit)
	if err != nil {
		return nil, nil, err
	}
	orchCfg.Network = client.Name()
	orchCfg.ExplorerURL = client.ExplorerURL()

	var opts []lending.Option
	if a.metrics != nil {
		opts = append(opts, lending.WithObserver(a.metrics))
	}
	journal, err := a.openJournal(ctx)
	if err != nil {
		return nil, nil, err
	}
	if journal != nil {
		opts = append(opts, lending.WithRecorder(mysql.NewRecorder(journal)))
	}

	orch, err := lending.New(client, auth, orchCfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	return orch, client, nil
}

func (a *app) close() error {
	var errs []error
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
		a.journal = nil
	}
	if a.registry != nil {
		a.registry.Close()
		a.registry = nil
	}
	return errors.Join(errs...)
}

func lendingDefaults(cfg *config.Config) (lending.Defaults, error) {
	d := lending.Defaults{
		ApproveAmount: cfg.Defaults.ApproveAmount,
		Principal:     cfg.Defaults.Principal,
		InterestBps:   cfg.Defaults.InterestBps,
		Duration:      cfg.Defaults.Duration,
		OfferID:       cfg.Defaults.OfferID,
	}
	if strings.TrimSpace(cfg.Defaults.Spender) != "" {
		spender, err := cfg.SpenderAddress()
		if err != nil {
			return lending.Defaults{}, err
		}
		d.Spender = spender
	}
	return d, nil
}
