package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/AuditForest/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL string
	token     string
	cfgFile   string
	output    string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "auditctl",
	Short: "Audit forest CLI",
	Long: `auditctl talks to an auditd instance.

It ingests audit records, fetches and checks inclusion proofs, and runs
forest maintenance. check-proof and token work offline.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.auditctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("AUDITCTL")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		if token == "" {
			token = viper.GetString("token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.auditctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "auditd base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "operator bearer token for write commands")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "text", "Output format: text or json")

	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(partitionsCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(proofCmd)
	rootCmd.AddCommand(checkProofCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(optimizeCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() (*client.Client, error) {
	var opts []client.Option
	if token != "" {
		opts = append(opts, client.WithBearerToken(token))
	}
	return client.New(serverURL, opts...)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── stats ────────────────────────────────────────────────────────────────────

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show forest statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		s, err := c.Stats(cmd.Context())
		if err != nil {
			return fmt.Errorf("fetch stats: %w", err)
		}
		if output == "json" {
			return printJSON(s)
		}
		fmt.Printf("Strategy:     %s\n", s.Strategy)
		fmt.Printf("Partitions:   %d\n", s.PartitionCount)
		fmt.Printf("Records:      %d\n", s.TotalRecords)
		fmt.Printf("Size min/avg/max: %d / %.1f / %d\n", s.MinPartitionSize, s.AveragePartitionSize, s.MaxPartitionSize)
		return nil
	},
}

// ── partitions ───────────────────────────────────────────────────────────────

var partitionsCmd = &cobra.Command{
	Use:   "partitions [partition-id]",
	Short: "List partitions, or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var parts []client.Partition
		if len(args) == 1 {
			p, err := c.Partition(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("fetch partition: %w", err)
			}
			parts = []client.Partition{*p}
		} else if parts, err = c.Partitions(cmd.Context()); err != nil {
			return fmt.Errorf("list partitions: %w", err)
		}
		if output == "json" {
			return printJSON(parts)
		}
		return printPartitions(parts)
	},
}

func printPartitions(parts []client.Partition) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tRECORDS\tCREATED\tUPDATED\tROOT")
	for _, p := range parts {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
			p.ID, p.RecordCount,
			p.CreatedAt.Format(time.RFC3339), p.LastUpdated.Format(time.RFC3339),
			shortHash(p.RootHash))
	}
	return w.Flush()
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16] + "…"
	}
	return h
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Run a full integrity sweep on the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		v, err := c.Verify(cmd.Context())
		if err != nil {
			return fmt.Errorf("verify forest: %w", err)
		}
		if output == "json" {
			if err := printJSON(v); err != nil {
				return err
			}
		} else {
			fmt.Printf("Partitions verified: %d/%d (%.1f%%)\n", v.VerifiedPartitions, v.TotalPartitions, v.SuccessRate*100)
			fmt.Printf("Records:             %d\n", v.TotalRecords)
			for _, pid := range v.FailedPartitions {
				fmt.Printf("  FAILED  %s\n", pid)
			}
		}
		if !v.Valid {
			return fmt.Errorf("%d partition(s) failed verification", len(v.FailedPartitions))
		}
		return nil
	},
}

// ── proof ────────────────────────────────────────────────────────────────────

var (
	proofOut       string
	proofRecordOut string
)

var proofCmd = &cobra.Command{
	Use:   "proof <record-id>",
	Short: "Fetch an inclusion proof for a record",
	Long: `proof fetches the inclusion proof for a record. With --out the proof is
written to a file, and --record-out saves the record alongside it so both
can later be checked offline:

  auditctl proof 7f1c... --out proof.json --record-out record.json
  auditctl check-proof --proof proof.json --record record.json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid record id %q: %w", args[0], err)
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		p, err := c.GetProof(cmd.Context(), id)
		if err != nil {
			return fmt.Errorf("fetch proof: %w", err)
		}
		if proofRecordOut != "" {
			r, err := c.GetRecord(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("fetch record: %w", err)
			}
			if err := writeJSONFile(proofRecordOut, r); err != nil {
				return err
			}
		}
		if proofOut != "" {
			if err := writeJSONFile(proofOut, p); err != nil {
				return err
			}
			fmt.Printf("✓ Proof for %s written to %s\n", id, proofOut)
			return nil
		}
		if output == "json" {
			return printJSON(p)
		}
		fmt.Printf("Record:     %s\n", p.RecordID)
		fmt.Printf("Partition:  %s\n", p.PartitionID)
		fmt.Printf("Root:       %s (%s)\n", p.RootHash, p.Algorithm)
		fmt.Printf("Leaf index: %d\n", p.LeafIndex)
		for i, s := range p.Steps {
			side := "right"
			if s.Left {
				side = "left"
			}
			fmt.Printf("  %2d  %-5s  %s\n", i, side, s.Hash)
		}
		return nil
	},
}

func init() {
	proofCmd.Flags().StringVar(&proofOut, "out", "", "Write the proof to this file instead of stdout")
	proofCmd.Flags().StringVar(&proofRecordOut, "record-out", "", "Also write the record to this file")
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// ── check-proof ──────────────────────────────────────────────────────────────

var (
	checkProofFile  string
	checkRecordFile string
)

var checkProofCmd = &cobra.Command{
	Use:   "check-proof",
	Short: "Check a saved proof against a saved record, offline",
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, err := checkProofFiles(checkProofFile, checkRecordFile)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("proof does NOT verify: record or proof has been altered")
		}
		fmt.Println("✓ Proof verifies against the recorded partition root")
		return nil
	},
}

func init() {
	checkProofCmd.Flags().StringVar(&checkProofFile, "proof", "", "Proof JSON file")
	checkProofCmd.Flags().StringVar(&checkRecordFile, "record", "", "Record JSON file")
	_ = checkProofCmd.MarkFlagRequired("proof")
	_ = checkProofCmd.MarkFlagRequired("record")
}

// ── ingest ───────────────────────────────────────────────────────────────────

var ingestBatch int

var ingestCmd = &cobra.Command{
	Use:   "ingest <file.jsonl|->",
	Short: "Ingest audit records from a JSON Lines file",
	Long: `ingest reads one JSON record per line and submits them in batches.
A record needs id, timestamp, statute_id, subject_id and either record_hash
or payload. Batches are all-or-nothing on the server; ingest stops at the
first rejected batch.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := os.Stdin
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		records, err := readRecords(in)
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		return ingestBatches(cmd.Context(), c, records, ingestBatch)
	},
}

func init() {
	ingestCmd.Flags().IntVar(&ingestBatch, "batch", 1000, "Records per request")
}

func ingestBatches(ctx context.Context, c *client.Client, records []client.Record, size int) error {
	if size <= 0 {
		size = 1000
	}
	accepted := 0
	touched := map[string]struct{}{}
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		res, err := c.Ingest(ctx, records[start:end])
		if err != nil {
			return fmt.Errorf("ingest records %d-%d (%d accepted before): %w", start, end-1, accepted, err)
		}
		accepted += res.Accepted
		for _, pid := range res.Partitions {
			touched[pid] = struct{}{}
		}
	}
	fmt.Printf("✓ Ingested %d record(s) into %d partition(s)\n", accepted, len(touched))
	return nil
}

// ── optimize ─────────────────────────────────────────────────────────────────

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Merge undersized partitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		removed, err := c.Optimize(cmd.Context())
		if err != nil {
			return fmt.Errorf("optimize: %w", err)
		}
		if removed == 0 {
			fmt.Println("Nothing to compact")
			return nil
		}
		fmt.Printf("✓ Merged %d partition(s)\n", removed)
		return nil
	},
}

// ── token ────────────────────────────────────────────────────────────────────

var (
	tokenSecret  string
	tokenIssuer  string
	tokenSubject string
	tokenScopes  []string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an operator token signed with the server's secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenSecret == "" {
			tokenSecret = viper.GetString("secret")
		}
		tok, err := issueToken(tokenSecret, tokenIssuer, tokenSubject, tokenScopes, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "HS256 secret (auth.jwt_secret on the server; env AUDITCTL_SECRET)")
	tokenCmd.Flags().StringVar(&tokenIssuer, "issuer", "auditd", "Token issuer, must match auth.issuer on the server")
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "Operator name recorded in the token")
	tokenCmd.Flags().StringSliceVar(&tokenScopes, "scope", []string{"records:write"}, "Granted scopes (records:write, forest:optimize, *)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "Token lifetime")
	_ = tokenCmd.MarkFlagRequired("subject")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the auditctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("auditctl %s\n", version)
	},
}
