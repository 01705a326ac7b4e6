// Package render formats lending results, jobs and journal entries for the
// terminal.
package render

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/samber/lo"

	xerrors "P2PLend-Chain/internal/errors"
	"P2PLend-Chain/internal/job"
	"P2PLend-Chain/internal/lending"
	"P2PLend-Chain/internal/storage/mysql"
	"P2PLend-Chain/internal/web3"
)

// FormatSuccess formats a success message with the success icon
func FormatSuccess(message string) string {
	return color.New(color.FgGreen).Sprintf("✅ %s", message)
}

// FormatWarning formats a warning message with the warning icon
func FormatWarning(message string) string {
	return color.New(color.FgYellow).Sprintf("⚠️  %s", message)
}

// FormatError formats an error with the error icon and its kind, so
// configuration mistakes, network trouble and on-chain rejections read
// differently.
func FormatError(err error) string {
	if err == nil {
		return ""
	}
	kind := xerrors.KindOf(err)
	label := map[xerrors.Kind]string{
		xerrors.KindConfig:   "config",
		xerrors.KindNetwork:  "network",
		xerrors.KindRejected: "rejected",
	}[kind]
	msg := err.Error()
	if len(msg) > 0 {
		msg = strings.ToUpper(msg[:1]) + msg[1:]
	}
	if label == "" {
		return color.New(color.FgRed).Sprintf("❌ %s", msg)
	}
	return color.New(color.FgRed).Sprintf("❌ [%s] %s", label, msg)
}

// Hint returns a follow-up suggestion for an error kind, or "".
func Hint(err error) string {
	switch xerrors.KindOf(err) {
	case xerrors.KindConfig:
		meta := xerrors.MetadataOf(err)
		switch {
		case meta["field"] != "":
			return fmt.Sprintf("check %q in the config file or its P2PLEND_ environment override", meta["field"])
		case meta["flag"] != "":
			return fmt.Sprintf("check the --%s flag", meta["flag"])
		case meta["param"] != "":
			return fmt.Sprintf("check the %s parameter", meta["param"])
		case meta["usage"] != "":
			return fmt.Sprintf("run '%s --help' for usage", meta["usage"])
		}
		return "check the config file and environment"
	case xerrors.KindNetwork:
		return "the RPC endpoint is unreachable or timed out; retrying is safe only if no transaction hash was printed"
	case xerrors.KindRejected:
		if hash := xerrors.MetadataOf(err)["tx_hash"]; hash != "" {
			return "transaction " + hash + " was rejected by the contract"
		}
		return "the contract rejected the call"
	default:
		return ""
	}
}

// Result prints the outcome of a lending flow.
func Result(w io.Writer, res *lending.Result, explorerBase string) {
	if res == nil {
		return
	}
	dim := color.New(color.Faint)
	for _, tx := range res.Transactions {
		fmt.Fprintf(w, "  %s %s  block %d  gas %d\n", dim.Sprint("↳"), tx.Step, tx.BlockNumber, tx.GasUsed)
		fmt.Fprintf(w, "    tx %s\n", tx.Hash.Hex())
		if tx.ExplorerURL != "" {
			fmt.Fprintf(w, "    %s\n", dim.Sprint(tx.ExplorerURL))
		}
	}

	offer := "?"
	if res.OfferID != nil {
		offer = res.OfferID.String()
	}
	switch res.Operation {
	case lending.OpDeploy:
		fmt.Fprintf(w, "Deployer: %s\n", res.Signer.Hex())
		fmt.Fprintf(w, "P2PLending deployed at: %s\n", color.New(color.FgCyan, color.Bold).Sprint(res.ContractAddress.Hex()))
		if link := web3.ExplorerAddressURL(explorerBase, res.ContractAddress); link != "" {
			fmt.Fprintf(w, "  %s\n", dim.Sprint(link))
		}
		fmt.Fprintln(w, FormatSuccess("Done"))
	case lending.OpApprove:
		fmt.Fprintln(w, FormatSuccess(fmt.Sprintf("Approved %s (%s base units)",
			lending.FromBaseUnits(res.Amount, res.Decimals), res.Amount)))
	case lending.OpCreateOffer:
		if res.EventFound {
			fmt.Fprintf(w, "OfferCreated id: %s\n", color.New(color.FgCyan, color.Bold).Sprint(res.OfferID))
		} else {
			fallback := "(see explorer)"
			if last, ok := res.LastTx(); ok && last.ExplorerURL != "" {
				fallback = "(see explorer: " + last.ExplorerURL + ")"
			}
			fmt.Fprintf(w, "OfferCreated id: %s\n", fallback)
		}
	case lending.OpTakeLoan:
		fmt.Fprintln(w, FormatSuccess(fmt.Sprintf("takeLoan(%s) OK", offer)))
	case lending.OpRepay:
		fmt.Fprintf(w, "repayAmount: %s\n", res.Amount)
		fmt.Fprintln(w, FormatSuccess("Repay done"))
	case lending.OpWithdraw:
		fmt.Fprintln(w, FormatSuccess(fmt.Sprintf("withdrawLender(%s) OK", offer)))
	}
}

// Jobs renders a job listing as a table.
func Jobs(w io.Writer, jobs []*job.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs found.")
		return
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"ID", "OPERATION", "STATUS", "ATTEMPTS", "UPDATED", "TX / ERROR"})
	t.AppendRows(lo.Map(jobs, func(j *job.Job, _ int) table.Row {
		return table.Row{
			j.ID,
			string(j.Operation),
			statusCell(j.Status),
			fmt.Sprintf("%d/%d", j.Attempts, j.MaxRetries),
			formatUnix(j.UpdatedAt),
			jobDetail(j),
		}
	}))
	t.Render()
}

// Job prints a single job with its parameters and result.
func Job(w io.Writer, j *job.Job) {
	if j == nil {
		return
	}
	fmt.Fprintf(w, "Job %s\n", color.New(color.Bold).Sprint(j.ID))
	fmt.Fprintf(w, "  operation  %s\n", j.Operation)
	fmt.Fprintf(w, "  status     %s\n", statusCell(j.Status))
	fmt.Fprintf(w, "  attempts   %d/%d\n", j.Attempts, j.MaxRetries)
	keys := lo.Keys(j.Params)
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(w, "  param      %s=%s\n", key, j.Params[key])
	}
	if j.LastError != "" {
		fmt.Fprintf(w, "  error      %s (%s)\n", j.LastError, j.ErrorCode)
	}
	if j.Result == nil {
		return
	}
	for _, hash := range j.Result.TxHashes {
		fmt.Fprintf(w, "  tx         %s\n", hash)
	}
	if j.Result.ContractAddress != "" {
		fmt.Fprintf(w, "  contract   %s\n", j.Result.ContractAddress)
	}
	if j.Result.OfferID != "" {
		fmt.Fprintf(w, "  offer      %s\n", j.Result.OfferID)
	}
	if j.Result.ExplorerURL != "" {
		fmt.Fprintf(w, "  explorer   %s\n", j.Result.ExplorerURL)
	}
}

// History renders journal records, newest first.
func History(w io.Writer, records []mysql.TxRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No transactions recorded.")
		return
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"TIME", "OPERATION", "STEP", "NETWORK", "BLOCK", "OFFER", "TX"})
	t.AppendRows(lo.Map(records, func(r mysql.TxRecord, _ int) table.Row {
		return table.Row{
			formatUnix(r.CreatedAt),
			r.Operation,
			r.Step,
			r.Network,
			r.BlockNumber,
			lo.Ternary(r.OfferID == "", "-", r.OfferID),
			r.TxHash,
		}
	}))
	t.Render()
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.Style().Options.DrawBorder = false
	t.Style().Options.SeparateColumns = false
	t.Style().Format.Header = text.FormatUpper
	return t
}

func statusCell(status job.Status) string {
	switch status {
	case job.StatusSucceeded:
		return color.GreenString(string(status))
	case job.StatusFailed:
		return color.RedString(string(status))
	case job.StatusRunning:
		return color.CyanString(string(status))
	default:
		return color.YellowString(string(status))
	}
}

func jobDetail(j *job.Job) string {
	if j.Result != nil && len(j.Result.TxHashes) > 0 {
		return j.Result.TxHashes[len(j.Result.TxHashes)-1]
	}
	return j.LastError
}

func formatUnix(ts int64) string {
	if ts == 0 {
		return "-"
	}
	return time.Unix(ts, 0).Local().Format(time.DateTime)
}
