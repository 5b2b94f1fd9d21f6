// civctl is the command-line interface for operating a Civitas ledger.
//
// It covers the operator workflows that live outside the writer daemon:
// inspecting and verifying the chain through the observer API, generating
// signing keys, and minting the credentials used in recovery ceremonies.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/civitas-gov/civitas/internal/ceremony"
	"github.com/civitas-gov/civitas/internal/signing"
	"github.com/civitas-gov/civitas/pkg/observer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
)

// version is overridden at release time via -ldflags "-X main.version=...".
var version = "dev"

var (
	ledgerURL string
	cfgFile   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "civctl",
	Short: "Civitas ledger operations CLI",
	Long: `civctl operates a Civitas witnessed event ledger.

It inspects and verifies the hash chain through the read-only observer API,
generates Ed25519 signing keys, and mints recovery ceremony credentials.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.civitas")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if ledgerURL == "" {
			ledgerURL = viper.GetString("ledger_url")
		}
		if ledgerURL == "" {
			ledgerURL = "http://localhost:8080"
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.civitas/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&ledgerURL, "ledger", "", "observer API base URL (default http://localhost:8080)")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(eventCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(ceremonyTokenCmd)
	rootCmd.AddCommand(hashPassphraseCmd)
	rootCmd.AddCommand(versionCmd)

	verifyCmd.Flags().Int64("start", 0, "start of the continuity check range")
	verifyCmd.Flags().Int64("end", 0, "end of the continuity check range")

	keygenCmd.Flags().String("out", "civitas", "output path prefix (<out>.key and <out>.pub)")

	ceremonyTokenCmd.Flags().String("key", "", "ceremony private key file (required)")
	ceremonyTokenCmd.Flags().String("action", "", "authorized action: clear_halt or reclaim_lease (required)")
	ceremonyTokenCmd.Flags().String("operator", "", "operator identifier (required)")
	ceremonyTokenCmd.Flags().Duration("ttl", 15*time.Minute, "token lifetime")
	_ = ceremonyTokenCmd.MarkFlagRequired("key")
	_ = ceremonyTokenCmd.MarkFlagRequired("action")
	_ = ceremonyTokenCmd.MarkFlagRequired("operator")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the civctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("civctl", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the ledger head and halt state",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := observer.New(ledgerURL).Status(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("max sequence: %d\n", status.MaxSequence)
		fmt.Printf("head hash:    %s\n", status.HeadHash)
		if status.Halted {
			fmt.Printf("HALTED:       %s\n", status.HaltReason)
		} else {
			fmt.Println("state:        normal")
		}
		return nil
	},
}

var eventCmd = &cobra.Command{
	Use:   "event <sequence>",
	Short: "Fetch one event by sequence number",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seq, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || seq < 1 {
			return fmt.Errorf("sequence must be a positive integer")
		}
		event, err := observer.New(ledgerURL).EventBySequence(context.Background(), seq)
		if err != nil {
			return err
		}
		fmt.Printf("sequence:      %d\n", event.Sequence)
		fmt.Printf("event_id:      %s\n", event.EventID)
		fmt.Printf("event_type:    %s\n", event.EventType)
		fmt.Printf("agent_id:      %s\n", event.AgentID)
		fmt.Printf("witness_id:    %s\n", event.WitnessID)
		fmt.Printf("content_hash:  %s\n", event.ContentHash)
		fmt.Printf("prev_hash:     %s\n", event.PrevHash)
		fmt.Printf("timestamp:     %s\n", event.LocalTimestamp.Format(time.RFC3339Nano))
		fmt.Printf("payload:       %s\n", string(event.Payload))
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify chain integrity, or sequence continuity with --start/--end",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := observer.New(ledgerURL)
		start, _ := cmd.Flags().GetInt64("start")
		end, _ := cmd.Flags().GetInt64("end")

		if start > 0 || end > 0 {
			result, err := client.VerifyContinuity(context.Background(), start, end)
			if err != nil {
				return err
			}
			if result.Contiguous {
				fmt.Printf("sequences %d..%d are contiguous\n", start, end)
				return nil
			}
			fmt.Printf("MISSING SEQUENCES: %v\n", result.Missing)
			os.Exit(1)
		}

		result, err := client.Verify(context.Background())
		if err != nil {
			return err
		}
		if result.Valid {
			fmt.Println("chain intact")
			return nil
		}
		fmt.Printf("CHAIN BROKEN: %s\n", result.Error)
		os.Exit(1)
		return nil
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an Ed25519 keypair (PKCS#8 / PKIX PEM)",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		privPath, pubPath := out+".key", out+".pub"
		if err := signing.GenerateKeyFiles(privPath, pubPath); err != nil {
			return err
		}
		fmt.Printf("private key: %s\n", privPath)
		fmt.Printf("public key:  %s\n", pubPath)
		return nil
	},
}

var ceremonyTokenCmd = &cobra.Command{
	Use:   "ceremony-token",
	Short: "Mint a recovery ceremony token",
	Long: `Mints a short-lived, EdDSA-signed ceremony token authorizing exactly one
recovery action (clear_halt or reclaim_lease). The token is the first of the
two ceremony factors; the passphrase is presented separately at execution.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		keyPath, _ := cmd.Flags().GetString("key")
		action, _ := cmd.Flags().GetString("action")
		operator, _ := cmd.Flags().GetString("operator")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		if action != ceremony.ActionClearHalt && action != ceremony.ActionReclaimLease {
			return fmt.Errorf("action must be %q or %q", ceremony.ActionClearHalt, ceremony.ActionReclaimLease)
		}

		key, err := signing.LoadPrivateKey(keyPath)
		if err != nil {
			return err
		}
		token, err := ceremony.MintToken(key, action, operator, ttl)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

var hashPassphraseCmd = &cobra.Command{
	Use:   "hash-passphrase <passphrase>",
	Short: "Produce the bcrypt hash of a ceremony passphrase for civitasd config",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash passphrase: %w", err)
		}
		fmt.Println(string(hash))
		return nil
	},
}
