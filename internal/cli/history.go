package cli

import (
	"github.com/spf13/cobra"

	"P2PLend-Chain/internal/cli/render"
	xerrors "P2PLend-Chain/internal/errors"
	"P2PLend-Chain/internal/storage/mysql"
)

func newHistoryCmd() *cobra.Command {
	var (
		limit int
		hash  string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show confirmed transactions from the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := getApp(cmd)
			if err != nil {
				return err
			}
			journal, err := a.openJournal(cmd.Context())
			if err != nil {
				return err
			}
			if journal == nil {
				return xerrors.New(xerrors.CodeConfigInvalid, "transaction journal is disabled",
					xerrors.WithMetadata("field", "storage.journal.driver"))
			}

			if hash != "" {
				record, err := journal.FindByHash(cmd.Context(), hash)
				if err != nil {
					return err
				}
				render.History(a.out, []mysql.TxRecord{*record})
				return nil
			}
			records, err := journal.ListLatest(cmd.Context(), limit)
			if err != nil {
				return err
			}
			render.History(a.out, records)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of records to show")
	cmd.Flags().StringVar(&hash, "tx", "", "Show a single transaction by hash")
	return cmd
}
