package commands

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/denclaw/denclaw/pkg/denclaw/budget"
	"github.com/denclaw/denclaw/pkg/denclaw/database"
	"github.com/denclaw/denclaw/pkg/denclaw/mailbox"
	"github.com/denclaw/denclaw/pkg/denclaw/session"
	"github.com/denclaw/denclaw/pkg/denclaw/tasks"
)

// newStatusCmd creates the `denclaw status` command.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sessions, token usage, scheduled tasks and quarantined items",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	sessions, err := session.NewLedger(filepath.Join(cfg.StateDir, "sessions"), nil)
	if err != nil {
		return err
	}
	list, err := sessions.List()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Sessions (%d):\n", len(list))
	for _, s := range list {
		fmt.Fprintf(out, "  %-20s session=%s turn=%d model=%s updated=%s\n",
			s.GroupFolder, s.SessionID, s.LastTurnID, s.ActiveModel,
			s.UpdatedAt.Format("2006-01-02 15:04:05"))
	}

	budgets, used, err := budget.NewLedger(cfg.Budget.Path).Snapshot()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(used))
	for k := range used {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(out, "\nToken usage:\n")
	for _, k := range keys {
		if limit, ok := budgets[k]; ok {
			fmt.Fprintf(out, "  %-40s %d / %d\n", k, used[k], limit)
		} else {
			fmt.Fprintf(out, "  %-40s %d\n", k, used[k])
		}
	}

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	all, err := tasks.NewStore(db).List()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nScheduled tasks (%d):\n", len(all))
	for _, t := range all {
		fmt.Fprintf(out, "  %-36s %-10s %-8s next=%s  %s\n",
			t.ID, t.GroupFolder, t.Status,
			t.NextRun.Format("2006-01-02 15:04"), t.ScheduleType)
	}

	quarantined, err := mailbox.NewStore(cfg.MailboxRoot, nil).ListQuarantined()
	if err != nil {
		return err
	}
	if len(quarantined) > 0 {
		fmt.Fprintf(out, "\nQuarantined mailbox items (%d):\n", len(quarantined))
		for _, name := range quarantined {
			fmt.Fprintf(out, "  %s\n", name)
		}
	}
	return nil
}
