// Command swapctl drives a running swapledger over gRPC.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"SwapLedger/internal/order"
	"SwapLedger/internal/server"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	addr      string
	timeout   time.Duration
	requestID string
)

var rootCmd = &cobra.Command{
	Use:   "swapctl",
	Short: "Operate a SwapLedger exchange",
	Long: `swapctl talks to a swapledger daemon over gRPC.

Mutating commands carry a request id (--request-id, random by default);
resending the same id returns the stored result instead of running twice.`,
	SilenceUsage: true,
}

func init() {
	_ = godotenv.Load()
	defaultAddr := os.Getenv("SWAP_GRPC_TARGET")
	if defaultAddr == "" {
		defaultAddr = "localhost:9090"
	}
	rootCmd.PersistentFlags().StringVar(&addr, "addr", defaultAddr, "swapledger gRPC address")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "per-call timeout")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode gives each rejection kind its own status for scripts.
func exitCode(err error) int {
	switch order.KindOf(err) {
	case "invalid_parameters":
		return 2
	case "not_found":
		return 3
	case "duplicate_listing", "not_open", "expired":
		return 4
	case "insufficient_payment", "unauthorized":
		return 5
	case "ledger_failure":
		return 6
	default:
		return 1
	}
}

// withClient dials, runs fn with a bounded context and closes the conn.
func withClient(fn func(ctx context.Context, c *server.Client) (interface{}, error)) error {
	conn, err := server.Dial(addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out, err := fn(ctx, server.NewClient(conn))
	if err != nil {
		return err
	}
	return printJSON(out)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRequestID() string {
	if requestID != "" {
		return requestID
	}
	return uuid.NewString()
}

// addRequestID registers --request-id on a mutating command.
func addRequestID(cmd *cobra.Command) {
	cmd.Flags().StringVar(&requestID, "request-id", "", "idempotency key (default: random)")
}
