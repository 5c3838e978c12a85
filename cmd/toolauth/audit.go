package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rsclarke/toolauth/internal/api"
	"github.com/rsclarke/toolauth/internal/db"
)

var auditFlags struct {
	dbPath   string
	leaderID string
	limit    int
	json     bool
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "List recorded invocations",
	Long: `List signature-verified invocations recorded by "serve --audit", newest
first.`,
	RunE: runAudit,
}

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.Flags().StringVar(&auditFlags.dbPath, "db", getEnv("TOOLAUTH_DB", "toolauth.db"), "database path")
	auditCmd.Flags().StringVar(&auditFlags.leaderID, "leader-id", "", "only show invocations from this leader")
	auditCmd.Flags().IntVar(&auditFlags.limit, "limit", 50, "maximum number of invocations")
	auditCmd.Flags().BoolVar(&auditFlags.json, "json", false, "print JSON")
}

func runAudit(cmd *cobra.Command, args []string) error {
	database, err := db.Open(auditFlags.dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	invs, err := db.ListInvocations(database, auditFlags.leaderID, auditFlags.limit)
	if err != nil {
		return fmt.Errorf("list invocations: %w", err)
	}

	infos := make([]api.InvocationInfo, 0, len(invs))
	for _, inv := range invs {
		infos = append(infos, api.InvocationInfo{
			ID:         inv.ID,
			ToolID:     inv.ToolID,
			LeaderID:   inv.LeaderID,
			LeaderKID:  inv.LeaderKID,
			Nonce:      inv.Nonce,
			Outcome:    inv.Outcome,
			Status:     inv.Status,
			OccurredAt: time.Unix(inv.OccurredAt, 0).UTC().Format(time.RFC3339),
		})
	}

	out := cmd.OutOrStdout()
	if auditFlags.json {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}

	if len(infos) == 0 {
		fmt.Fprintln(out, "No invocations found.")
		return nil
	}

	fmt.Fprintf(out, "%-20s  %-16s  %-4s  %-36s  %-16s  %s\n", "TIME", "LEADER", "KID", "NONCE", "OUTCOME", "STATUS")
	for _, i := range infos {
		t, _ := time.Parse(time.RFC3339, i.OccurredAt)
		fmt.Fprintf(out, "%-20s  %-16s  %-4d  %-36s  %-16s  %d\n",
			t.Format("2006-01-02 15:04:05"), i.LeaderID, i.LeaderKID, i.Nonce, i.Outcome, i.Status)
	}
	return nil
}
