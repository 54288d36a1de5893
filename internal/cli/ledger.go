package cli

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tutu-network/agentledger/internal/app/reconcile"
	"github.com/tutu-network/agentledger/internal/app/settlement"
	"github.com/tutu-network/agentledger/internal/domain"
)

// ─── Ledger CLI ─────────────────────────────────────────────────────────────
// Thin wrappers over the daemon API. Every balance change goes through the
// daemon so its per-account locking and leases stay authoritative.

func init() {
	rootCmd.AddCommand(registerCmd, accountCmd, tasksCmd, settleCmd, buyCmd, modulesCmd, syncCmd)

	accountCmd.Flags().IntP("transactions", "n", 10, "Number of recent transactions to show")
	tasksCmd.Flags().StringP("sector", "s", "", "Only show tasks in this sector")
	settleCmd.Flags().StringP("prompt", "p", "", "Extra instructions for the execution backend")
}

// ─── register ───────────────────────────────────────────────────────────────

var registerCmd = &cobra.Command{
	Use:   "register OPERATOR",
	Short: "Create an operator account",
	Long:  `Create an operator account with the initial balance. Registering an existing operator is a no-op.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runRegister,
}

func runRegister(cmd *cobra.Command, args []string) error {
	var acc domain.Account
	if _, err := newClient(apiAddr).do(cmd.Context(), http.MethodPost, "/api/operators", map[string]string{"id": args[0]}, &acc); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Operator %q ready, balance %s\n", acc.ID, acc.Balance)
	return nil
}

// ─── account ────────────────────────────────────────────────────────────────

var accountCmd = &cobra.Command{
	Use:   "account OPERATOR",
	Short: "Show an operator's balance and recent transactions",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccount,
}

func runAccount(cmd *cobra.Command, args []string) error {
	c := newClient(apiAddr)
	id := url.PathEscape(args[0])

	var acc domain.Account
	if _, err := c.do(cmd.Context(), http.MethodGet, "/api/operators/"+id, nil, &acc); err != nil {
		return err
	}
	n, _ := cmd.Flags().GetInt("transactions")
	var txs struct {
		Transactions []domain.Transaction `json:"transactions"`
	}
	if n > 0 {
		if _, err := c.do(cmd.Context(), http.MethodGet, "/api/operators/"+id+"/transactions?limit="+strconv.Itoa(n), nil, &txs); err != nil {
			return err
		}
	}
	printAccount(cmd.OutOrStdout(), acc, txs.Transactions)
	return nil
}

func printAccount(w io.Writer, acc domain.Account, txs []domain.Transaction) {
	fmt.Fprintf(w, "Operator:        %s\n", acc.ID)
	fmt.Fprintf(w, "Balance:         %s\n", acc.Balance)
	fmt.Fprintf(w, "Tasks completed: %d\n", acc.TasksCompleted)
	fmt.Fprintf(w, "Total earnings:  %s\n", acc.TotalEarnings)
	if len(acc.OwnedModules) > 0 {
		fmt.Fprintf(w, "Modules:         %v (+%d%% reward)\n", acc.OwnedModules, acc.ModuleCount()*domain.ModuleBonusPercent)
	}
	if len(txs) == 0 {
		return
	}
	fmt.Fprintln(w, "")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTYPE\tAMOUNT\tDETAIL\tTIME")
	for _, tx := range txs {
		detail := tx.Module
		if tx.Type == domain.TxTaskReward {
			detail = fmt.Sprintf("task %d", tx.TaskID)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", tx.Seq, tx.Type, tx.Amount, detail, tx.Timestamp.Format("2006-01-02 15:04:05"))
	}
	tw.Flush()
}

// ─── tasks ──────────────────────────────────────────────────────────────────

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List open tasks",
	RunE:  runTasks,
}

func runTasks(cmd *cobra.Command, args []string) error {
	path := "/api/tasks"
	if sector, _ := cmd.Flags().GetString("sector"); sector != "" {
		path += "?sector=" + url.QueryEscape(sector)
	}
	var body struct {
		Tasks []domain.Task `json:"tasks"`
	}
	if _, err := newClient(apiAddr).do(cmd.Context(), http.MethodGet, path, nil, &body); err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if len(body.Tasks) == 0 {
		fmt.Fprintln(w, "No open tasks.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSECTOR\tTITLE\tDIFFICULTY\tREWARD")
	for _, t := range body.Tasks {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", t.ID, t.Sector, t.Title, t.Difficulty, t.Reward)
	}
	return tw.Flush()
}

// ─── settle ─────────────────────────────────────────────────────────────────

var settleCmd = &cobra.Command{
	Use:   "settle OPERATOR TASK_ID",
	Short: "Execute a task and credit its reward",
	Long: `Execute a task through the daemon's execution backend and, once the work is
confirmed, mark the task completed and credit the reward in one commit.`,
	Args: cobra.ExactArgs(2),
	RunE: runSettle,
}

func runSettle(cmd *cobra.Command, args []string) error {
	taskID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || taskID <= 0 {
		return fmt.Errorf("invalid task id %q", args[1])
	}
	prompt, _ := cmd.Flags().GetString("prompt")

	var res settlement.Result
	path := fmt.Sprintf("/api/operators/%s/tasks/%d/settle", url.PathEscape(args[0]), taskID)
	status, err := newClient(apiAddr).do(cmd.Context(), http.MethodPost, path, map[string]string{"prompt": prompt}, &res)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if status == http.StatusAccepted {
		fmt.Fprintf(w, "⏳ Task %d confirmed; commit queued and will be retried.\n", taskID)
		return nil
	}
	fmt.Fprintf(w, "✅ Task %d settled: %s credited, balance %s\n", taskID, res.Transaction.Amount, res.Account.Balance)
	return nil
}

// ─── buy / modules ──────────────────────────────────────────────────────────

var buyCmd = &cobra.Command{
	Use:   "buy OPERATOR MODULE",
	Short: "Purchase an upgrade module",
	Args:  cobra.ExactArgs(2),
	RunE:  runBuy,
}

func runBuy(cmd *cobra.Command, args []string) error {
	var res struct {
		Account domain.Account `json:"account"`
	}
	path := "/api/operators/" + url.PathEscape(args[0]) + "/modules/" + url.PathEscape(args[1])
	if _, err := newClient(apiAddr).do(cmd.Context(), http.MethodPost, path, nil, &res); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Module %q installed, balance %s\n", args[1], res.Account.Balance)
	return nil
}

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "List upgrade modules",
	RunE: func(cmd *cobra.Command, args []string) error {
		var body struct {
			Modules []domain.Module `json:"modules"`
		}
		if _, err := newClient(apiAddr).do(cmd.Context(), http.MethodGet, "/api/modules", nil, &body); err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "MODULE\tCOST\tDESCRIPTION")
		for _, m := range body.Modules {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", m.Name, m.Cost, m.Description)
		}
		return tw.Flush()
	},
}

// ─── sync ───────────────────────────────────────────────────────────────────

var syncCmd = &cobra.Command{
	Use:   "sync OPERATOR",
	Short: "Reconcile an operator with the remote store",
	Args:  cobra.ExactArgs(1),
	RunE:  runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	var rep reconcile.Report
	if _, err := newClient(apiAddr).do(cmd.Context(), http.MethodPost, "/api/operators/"+url.PathEscape(args[0])+"/sync", nil, &rep); err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if rep.RemoteMissing {
		fmt.Fprintf(w, "Operator %q not found remotely; local ledger kept.\n", args[0])
		return nil
	}
	fmt.Fprintf(w, "✅ Synced: pushed %d, re-applied %d, balance %s\n", rep.Pushed, rep.Reapplied, rep.Account.Balance)
	return nil
}
