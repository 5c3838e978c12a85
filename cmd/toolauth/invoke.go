package main

import (
	"crypto/ed25519"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rsclarke/toolauth/internal/allowlist"
	"github.com/rsclarke/toolauth/internal/authn"
	"github.com/rsclarke/toolauth/internal/client"
	"github.com/rsclarke/toolauth/internal/signature"
)

var invokeFlags struct {
	url           string
	toolID        string
	toolKID       uint64
	toolKey       string
	leaderID      string
	leaderKID     uint64
	leaderKey     string
	validity      time.Duration
	timeout       time.Duration
	allowUnsigned bool
	verbose       bool
}

var invokeCmd = &cobra.Command{
	Use:   "invoke [body]",
	Short: "Send a signed request to a tool and verify its reply",
	Long: `Sign a JSON body as a leader, POST it to <url>/invoke and verify the tool's
signed response. The body is read from the argument, or from stdin if omitted
or "-".

The leader key is a 32-byte Ed25519 seed in hex or base64; the tool key is a
hex public key. A signed response can only be verified when --tool-key is set.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInvoke,
}

func init() {
	rootCmd.AddCommand(invokeCmd)

	f := invokeCmd.Flags()
	f.StringVar(&invokeFlags.url, "url", os.Getenv("TOOLAUTH_URL"), "tool base URL")
	f.StringVar(&invokeFlags.toolID, "tool-id", os.Getenv("TOOLAUTH_TOOL_ID"), "identity of the tool being called")
	f.Uint64Var(&invokeFlags.toolKID, "tool-kid", getEnvUint("TOOLAUTH_TOOL_KID", 0), "key id of the tool's response key")
	f.StringVar(&invokeFlags.toolKey, "tool-key", os.Getenv("TOOLAUTH_TOOL_PUBLIC_KEY"), "tool public key used to verify responses")
	f.StringVar(&invokeFlags.leaderID, "leader-id", os.Getenv("TOOLAUTH_LEADER_ID"), "identity to sign as")
	f.Uint64Var(&invokeFlags.leaderKID, "leader-kid", getEnvUint("TOOLAUTH_LEADER_KID", 0), "key id of the signing key")
	f.StringVar(&invokeFlags.leaderKey, "leader-key", os.Getenv("TOOLAUTH_LEADER_KEY"), "leader private key")
	f.DurationVar(&invokeFlags.validity, "validity", authn.DefaultRequestValidity, "request validity window")
	f.DurationVar(&invokeFlags.timeout, "timeout", 30*time.Second, "request timeout")
	f.BoolVar(&invokeFlags.allowUnsigned, "allow-unsigned", false, "accept unsigned responses")
	f.BoolVarP(&invokeFlags.verbose, "verbose", "v", false, "print request and response claims")
}

func runInvoke(cmd *cobra.Command, args []string) error {
	c, err := newInvokeClient()
	if err != nil {
		return err
	}

	body, err := readBody(cmd, args)
	if err != nil {
		return err
	}

	res, out, err := c.Invoke(cmd.Context(), body)
	if out != nil && invokeFlags.verbose {
		fmt.Fprintf(cmd.ErrOrStderr(), "request:  %s\n", out.SigInput)
	}
	if err != nil {
		return err
	}

	if invokeFlags.verbose {
		if res.Response != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "response: tool_kid=%d status=%d nonce=%s (verified)\n",
				res.Response.ToolKID, res.Response.Status, res.Response.Nonce)
		} else {
			fmt.Fprintln(cmd.ErrOrStderr(), "response: unsigned")
		}
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(res.Body))
	return nil
}

func newInvokeClient() (*client.Client, error) {
	if invokeFlags.url == "" {
		return nil, fmt.Errorf("tool URL required (use --url flag or TOOLAUTH_URL env var)")
	}
	if invokeFlags.toolID == "" {
		return nil, fmt.Errorf("tool id required (use --tool-id flag or TOOLAUTH_TOOL_ID env var)")
	}
	if invokeFlags.leaderID == "" {
		return nil, fmt.Errorf("leader id required (use --leader-id flag or TOOLAUTH_LEADER_ID env var)")
	}
	if invokeFlags.leaderKey == "" {
		return nil, fmt.Errorf("leader key required (use --leader-key flag or TOOLAUTH_LEADER_KEY env var)")
	}

	key, err := signature.ParseSigningKey(invokeFlags.leaderKey)
	if err != nil {
		return nil, fmt.Errorf("leader key: %w", err)
	}

	inv := &authn.Invoker{
		LeaderID:  invokeFlags.leaderID,
		LeaderKID: invokeFlags.leaderKID,
		Key:       key,
		Validity:  invokeFlags.validity,
	}
	if invokeFlags.toolKey != "" {
		pub, err := signature.ParsePublicKey(invokeFlags.toolKey)
		if err != nil {
			return nil, fmt.Errorf("tool key: %w", err)
		}
		inv.Tools, err = allowlist.New([]allowlist.Entry{{
			CallerID: invokeFlags.toolID,
			Keys:     map[uint64]ed25519.PublicKey{invokeFlags.toolKID: pub},
		}})
		if err != nil {
			return nil, err
		}
	}

	c := client.NewClient(invokeFlags.url, invokeFlags.toolID, inv)
	c.HTTP = &http.Client{Timeout: invokeFlags.timeout}
	c.AllowUnsigned = invokeFlags.allowUnsigned
	return c, nil
}

func readBody(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 1 && args[0] != "-" {
		return []byte(args[0]), nil
	}
	body, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}
