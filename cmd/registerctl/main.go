package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmerrifield20/openregister/pkg/client"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	registerURL string
	cfgFile     string
	outFormat   string
	insecure    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "registerctl",
	Short: "Read and audit a register",
	Long: `registerctl reads entries and records from a register and checks the
Merkle proofs it serves, so a copy of the log can be audited without
trusting the server.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.registerctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if registerURL == "" {
			registerURL = viper.GetString("register_url")
		}
		if registerURL == "" {
			registerURL = "http://localhost:8080"
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.registerctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&registerURL, "register", "", "register base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&outFormat, "format", "text", "output format: text or json")
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "skip TLS certificate verification (development only)")

	rootCmd.AddCommand(headCmd)
	rootCmd.AddCommand(entryCmd)
	rootCmd.AddCommand(entriesCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(verifyEntryCmd)
	rootCmd.AddCommand(verifyConsistencyCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() (*client.Client, error) {
	opts := []client.Option{client.WithUserAgent("registerctl/" + version)}
	if insecure {
		opts = append(opts, client.WithInsecureSkipVerify())
	}
	return client.New(registerURL, opts...)
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

// ── head ─────────────────────────────────────────────────────────────────────

var headCmd = &cobra.Command{
	Use:   "head",
	Short: "Print the current tree size and root hash",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		head, err := c.TreeHead(ctx)
		if err != nil {
			return err
		}
		if outFormat == "json" {
			return printJSON(head)
		}
		fmt.Printf("Tree size:  %d\n", head.TreeSize)
		fmt.Printf("Root hash:  %s\n", head.RootHash)
		fmt.Printf("Timestamp:  %s\n", head.Timestamp)
		return nil
	},
}

// ── entry / entries ──────────────────────────────────────────────────────────

var entryCmd = &cobra.Command{
	Use:   "entry <number>",
	Short: "Print one entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("entry number must be an integer: %w", err)
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		e, err := c.Entry(ctx, n)
		if err != nil {
			return err
		}
		if outFormat == "json" {
			return printJSON(e)
		}
		return printEntries([]client.Entry{*e})
	},
}

var (
	entriesStart int64
	entriesLimit int64
)

var entriesCmd = &cobra.Command{
	Use:   "entries",
	Short: "List entries, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		entries, err := c.Entries(ctx, entriesStart, entriesLimit)
		if err != nil {
			return err
		}
		if outFormat == "json" {
			return printJSON(entries)
		}
		return printEntries(entries)
	},
}

func init() {
	entriesCmd.Flags().Int64Var(&entriesStart, "start", 0, "number of newest entries to skip")
	entriesCmd.Flags().Int64Var(&entriesLimit, "limit", 50, "maximum number of entries to list")
}

func printEntries(entries []client.Entry) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NUMBER\tTIMESTAMP\tKEY\tITEM HASH")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", e.EntryNumber, deref(e.EntryTimestamp), deref(e.Key), deref(e.ItemHash))
	}
	return w.Flush()
}

// ── record ───────────────────────────────────────────────────────────────────

var recordCmd = &cobra.Command{
	Use:   "record <key>",
	Short: "Print the current record for a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		rec, err := c.Record(ctx, args[0])
		if err != nil {
			return err
		}
		if outFormat == "json" {
			return printJSON(rec)
		}
		fmt.Printf("Key:        %s\n", rec.Key)
		fmt.Printf("Entry:      %d\n", rec.EntryNumber)
		fmt.Printf("Timestamp:  %s\n", rec.EntryTimestamp)
		fmt.Printf("Item hash:  %s\n", rec.ItemHash)
		item, err := json.MarshalIndent(rec.Item, "", "  ")
		if err != nil {
			return err
		}
		fmt.Printf("Item:\n%s\n", item)
		return nil
	},
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyEntryCmd = &cobra.Command{
	Use:   "verify-entry <number> [number...]",
	Short: "Check that entries are included in the current tree",
	Long: `verify-entry fetches each entry, recomputes its leaf hash, and checks the
audit path the register serves against the current root hash.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		failed := 0
		for _, arg := range args {
			n, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				return fmt.Errorf("entry number must be an integer: %w", err)
			}
			head, err := c.VerifyEntry(ctx, n)
			if err != nil {
				fmt.Printf("entry %d: FAILED: %v\n", n, err)
				failed++
				continue
			}
			fmt.Printf("entry %d: ok (tree size %d, root %s)\n", n, head.TreeSize, head.RootHash)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d entries failed verification", failed, len(args))
		}
		return nil
	},
}

var (
	trustedSize int64
	trustedRoot string
)

var verifyConsistencyCmd = &cobra.Command{
	Use:   "verify-consistency",
	Short: "Check that the current tree extends a previously trusted tree head",
	Long: `verify-consistency fetches the current tree head and a consistency proof
from --size to the current size, and checks that the tree with root --root is
a prefix of the current tree.

  registerctl verify-consistency --size 1000 --root sha-256:5F1A...`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if trustedSize < 0 {
			return fmt.Errorf("--size must not be negative")
		}
		if trustedSize > 0 && trustedRoot == "" {
			return fmt.Errorf("--root is required when --size is set")
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		head, err := c.VerifyGrowth(ctx, &client.TreeHead{TreeSize: trustedSize, RootHash: trustedRoot})
		if err != nil {
			return err
		}
		if outFormat == "json" {
			return printJSON(head)
		}
		fmt.Printf("consistent: tree grew from %d to %d entries\n", trustedSize, head.TreeSize)
		fmt.Printf("new root:   %s\n", head.RootHash)
		return nil
	},
}

func init() {
	verifyConsistencyCmd.Flags().Int64Var(&trustedSize, "size", 0, "tree size of the trusted head")
	verifyConsistencyCmd.Flags().StringVar(&trustedRoot, "root", "", "root hash of the trusted head (sha-256:<hex>)")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the registerctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("registerctl %s\n", version)
	},
}
