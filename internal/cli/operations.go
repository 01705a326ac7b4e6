package cli

import (
	"fmt"
	"math/big"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"P2PLend-Chain/internal/cli/render"
	"P2PLend-Chain/internal/lending"
)

// operationFlag maps a command flag onto a job parameter key, so flags and
// submitted jobs are validated by the same parser.
type operationFlag struct {
	name  string
	param string
	usage string
}

var (
	offerFlag = operationFlag{"offer", lending.ParamOfferID, "Offer id (default defaults.offer_id)"}

	operationFlags = map[lending.Operation][]operationFlag{
		lending.OpDeploy: nil,
		lending.OpApprove: {
			{"amount", lending.ParamAmount, "Token amount in whole units (default defaults.approve_amount)"},
			{"spender", lending.ParamSpender, "Spender address (default defaults.spender, then the lending contract)"},
		},
		lending.OpCreateOffer: {
			{"principal", lending.ParamPrincipal, "Principal in whole tokens, 18 decimals (default defaults.principal)"},
			{"interest-bps", lending.ParamInterestBps, "Interest in basis points (default defaults.interest_bps)"},
			{"duration", lending.ParamDuration, "Loan duration, seconds or Go duration such as 720h (default defaults.duration)"},
		},
		lending.OpTakeLoan: {offerFlag},
		lending.OpRepay:    {offerFlag},
		lending.OpWithdraw: {offerFlag},
	}

	operationShort = map[lending.Operation]string{
		lending.OpDeploy:      "Deploy the P2PLending contract bound to the configured token",
		lending.OpApprove:     "Approve a token allowance for the lending contract",
		lending.OpCreateOffer: "Create a lending offer and print its id",
		lending.OpTakeLoan:    "Take the loan of an offer as borrower",
		lending.OpRepay:       "Repay an offer: query repayAmount, approve it, then repay",
		lending.OpWithdraw:    "Withdraw principal and interest as lender",
	}
)

func newOperationCmds() []*cobra.Command {
	cmds := make([]*cobra.Command, 0, len(lending.Operations()))
	for _, op := range lending.Operations() {
		cmds = append(cmds, newOperationCmd(op))
	}
	return cmds
}

func newOperationCmd(op lending.Operation) *cobra.Command {
	values := map[string]*string{}
	cmd := &cobra.Command{
		Use:   string(op),
		Short: operationShort[op],
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := requestFromFlags(op, cmd.Flags(), values)
			if err != nil {
				return err
			}
			return runOperation(cmd, req)
		},
	}
	for _, f := range operationFlags[op] {
		values[f.name] = cmd.Flags().String(f.name, "", f.usage)
	}
	return cmd
}

// requestFromFlags builds a request from the flags the user actually set;
// the rest fall back to the configured defaults.
func requestFromFlags(op lending.Operation, flags *pflag.FlagSet, values map[string]*string) (lending.Request, error) {
	params := map[string]string{}
	for _, f := range operationFlags[op] {
		if flags.Changed(f.name) {
			params[f.param] = *values[f.name]
		}
	}
	return lending.RequestFromParams(op, params)
}

func runOperation(cmd *cobra.Command, req lending.Request) error {
	a, err := getApp(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	orch, client, err := a.orchestrator(ctx, req.Operation, modeOperation)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "%s on %s as %s\n", req.Operation, client.Name(), orch.Signer().Hex())
	spin := render.NewSpinner(a.errOut)
	spin.Start(fmt.Sprintf("waiting for %s to be mined", req.Operation))
	res, err := orch.Execute(ctx, req)
	spin.Stop()
	if err != nil {
		return err
	}
	render.Result(a.out, res, client.ExplorerURL())
	return nil
}

func newRepayAmountCmd() *cobra.Command {
	var offer string
	cmd := &cobra.Command{
		Use:   "repay-amount",
		Short: "Query the amount owed for an offer (read-only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var offerID *big.Int
			if cmd.Flags().Changed("offer") {
				req, err := lending.RequestFromParams(lending.OpRepay, map[string]string{lending.ParamOfferID: offer})
				if err != nil {
					return err
				}
				offerID = req.OfferID
			}

			a, err := getApp(cmd)
			if err != nil {
				return err
			}
			orch, _, err := a.orchestrator(cmd.Context(), lending.OpRepay, modeOperation)
			if err != nil {
				return err
			}
			amount, err := orch.RepayAmount(cmd.Context(), offerID)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "repayAmount: %s\n", amount)
			return nil
		},
	}
	cmd.Flags().StringVar(&offer, "offer", "", offerFlag.usage)
	return cmd
}
