package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rsclarke/toolauth/internal/config"
	"github.com/rsclarke/toolauth/internal/signature"
)

var checkCmd = &cobra.Command{
	Use:   "check [config]",
	Short: "Validate a config file and print a summary",
	Long: `Load a config file and the allowlist it references exactly as serve would,
and print the resulting mode, trusted leaders, tool identities and limits.
The path defaults to NEXUS_TOOLKIT_CONFIG_PATH. Signing keys are never printed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	path := config.PathFromEnv()
	if len(args) == 1 {
		path = args[0]
	}
	if path == "" {
		return fmt.Errorf("config path required (pass it as an argument or set %s)", config.EnvConfigPath)
	}

	snap, err := config.Load(path)
	if err != nil {
		return err
	}
	printSummary(cmd.OutOrStdout(), snap)
	return nil
}

func printSummary(w io.Writer, snap *config.Snapshot) {
	fmt.Fprintf(w, "Config:        %s\n", snap.Path)
	fmt.Fprintf(w, "Mode:          %s\n", snap.Mode)
	fmt.Fprintf(w, "Clock skew:    %s\n", snap.ClockSkew)
	fmt.Fprintf(w, "Max validity:  %s\n", snap.MaxValidity)
	fmt.Fprintf(w, "Max body:      %d bytes\n", snap.MaxBodyBytes)

	fmt.Fprintln(w)
	if snap.Allowlist == nil {
		fmt.Fprintln(w, "Leaders:       none")
	} else {
		if snap.AllowlistPath != "" {
			fmt.Fprintf(w, "Allowlist:     %s\n", snap.AllowlistPath)
		}
		fmt.Fprintf(w, "Leaders:       %d\n", snap.Allowlist.Len())
		for _, id := range snap.Allowlist.Callers() {
			kids := snap.Allowlist.KIDs(id)
			parts := make([]string, len(kids))
			for i, kid := range kids {
				parts[i] = fmt.Sprint(kid)
			}
			line := fmt.Sprintf("  %-24s kids [%s]", id, strings.Join(parts, ", "))
			if active, ok := snap.Allowlist.ActiveKID(id); ok {
				line += fmt.Sprintf(" active %d", active)
			}
			fmt.Fprintln(w, line)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Tools:         %d\n", len(snap.Tools))
	ids := make([]string, 0, len(snap.Tools))
	for id := range snap.Tools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		tool := snap.Tools[id]
		fmt.Fprintf(w, "  %-24s kid %d  public key %s  max body %d\n",
			id, tool.KID, signature.EncodePublicKey(tool.PublicKey()), snap.MaxBodyBytesFor(id))
	}
}
