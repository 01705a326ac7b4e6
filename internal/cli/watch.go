package cli

import (
	"fmt"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"P2PLend-Chain/internal/contracts"
	xerrors "P2PLend-Chain/internal/errors"
	"P2PLend-Chain/internal/web3"
)

var defaultWatchEvents = []string{"OfferCreated", "LoanTaken", "Repaid", "LenderWithdrawn"}

func newWatchCmd() *cobra.Command {
	var (
		events    []string
		fromBlock uint64
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream lending contract events",
		Long: `Stream events emitted by the configured lending contract until interrupted.
Logs arrive over the websocket endpoint when one is configured, otherwise they
are polled over RPC.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := getApp(cmd)
			if err != nil {
				return err
			}
			lendingAddr, err := a.cfg.RequireLendingAddress()
			if err != nil {
				return err
			}
			lendingABI, err := contracts.LendingABI(a.cfg.Contracts.LendingABI)
			if err != nil {
				return err
			}

			var topics []common.Hash
			for _, name := range events {
				desc, ok := lendingABI.Events[strings.TrimSpace(name)]
				if !ok {
					return invalidFlag("event", name, "not an event of the lending ABI")
				}
				topics = append(topics, desc.ID)
			}
			query := gethcore.FilterQuery{
				Addresses: []common.Address{lendingAddr},
				Topics:    [][]common.Hash{topics},
			}
			if fromBlock > 0 {
				query.FromBlock = new(big.Int).SetUint64(fromBlock)
			}

			ctx := cmd.Context()
			client, err := a.chainClient(ctx)
			if err != nil {
				return err
			}
			sub, err := client.SubscribeEvents(ctx, query)
			if err != nil {
				return err
			}
			defer sub.Close()

			fmt.Fprintf(a.out, "Watching %s on %s (%s)\n", lendingAddr.Hex(), client.Name(), strings.Join(events, ", "))
			seen := 0
			for {
				select {
				case <-ctx.Done():
					return nil
				case err := <-sub.Err():
					if err == nil {
						return nil
					}
					return xerrors.Wrap(xerrors.CodeNetworkFailure, err, "event subscription failed")
				case lg := <-sub.Logs():
					if len(lg.Topics) == 0 {
						continue
					}
					desc, err := lendingABI.EventByID(lg.Topics[0])
					if err != nil {
						continue
					}
					ev, err := contracts.DecodeEvent(*desc, lg)
					if err != nil {
						return err
					}
					fmt.Fprintln(a.out, formatEvent(ev, client.ExplorerURL()))
					seen++
					if limit > 0 && seen >= limit {
						return nil
					}
				}
			}
		},
	}
	cmd.Flags().StringSliceVar(&events, "event", defaultWatchEvents, "Event names to stream")
	cmd.Flags().Uint64Var(&fromBlock, "from-block", 0, "Start from this block instead of the chain head")
	cmd.Flags().IntVar(&limit, "limit", 0, "Stop after this many events (0 streams until interrupted)")
	return cmd
}

func formatEvent(ev *contracts.Event, explorerBase string) string {
	parts := make([]string, 0, len(ev.Args))
	for _, arg := range ev.Args {
		parts = append(parts, fmt.Sprintf("%s=%v", arg.Name, formatArg(arg.Value)))
	}
	line := fmt.Sprintf("#%d %s(%s)", ev.Log.BlockNumber, color.New(color.FgCyan, color.Bold).Sprint(ev.Name), strings.Join(parts, ", "))
	if link := web3.ExplorerTxURL(explorerBase, ev.Log.TxHash); link != "" {
		line += "  " + color.New(color.Faint).Sprint(link)
	}
	return line
}

func formatArg(value any) any {
	switch v := value.(type) {
	case common.Address:
		return v.Hex()
	case [32]byte:
		return common.Hash(v).Hex()
	default:
		return v
	}
}
