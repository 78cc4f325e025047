/**
 * @description
 * ledgerctl is the operator tool for the ledger-service. It applies schema
 * migrations, lists failed transfers whose revert did not land, retries those
 * reverts, applies settlement statuses obtained out of band, moves accounts
 * between communities, deactivates accounts and mints test tokens.
 *
 * Usage:
 *   ledgerctl migrate
 *   ledgerctl revert-failed [--limit 100]
 *   ledgerctl retry-revert <transaction-id> [--yes]
 *   ledgerctl reconcile <external-id> <status>
 *   ledgerctl community <identity> <community> [--yes]
 *   ledgerctl delete-account <identity> [--yes]
 *   ledgerctl token <identity> [--ttl 1h]
 *
 * @dependencies
 * - github.com/spf13/pflag: flag parsing per subcommand.
 * - github.com/joho/godotenv: loads LEDGER_URL, INTERNAL_API_KEY, DATABASE_URL and JWT_SECRET from .env.
 * - pkg/ledgerclient: the ledger-service internal API.
 */

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/GFFB0314/Bafoka-teamZ/internal/store"
	"github.com/GFFB0314/Bafoka-teamZ/pkg/ledgerclient"
)

const usage = `Usage: ledgerctl <command> [flags]

Commands:
  migrate                              apply pending schema migrations
  revert-failed                        list failed transfers still holding value
  retry-revert <transaction-id>        retry the compensating revert of a transfer
  reconcile <external-id> <status>     apply a settlement status by hand
  community <identity> <community>     move an account to another community
  delete-account <identity>            deactivate an account; history is kept
  token <identity>                     mint an HS256 token for testing
`

type globalOptions struct {
	url     string
	apiKey  string
	timeout time.Duration
}

func main() {
	_ = godotenv.Load("../.env")
	_ = godotenv.Load(".env")

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err := run(os.Args[1], os.Args[2:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "ledgerctl: %v\n", err)
		os.Exit(1)
	}
}

func run(command string, args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	opts := globalOptions{}
	fs.StringVar(&opts.url, "url", envOr("LEDGER_URL", "http://localhost:8080"), "ledger-service base URL")
	fs.StringVar(&opts.apiKey, "api-key", os.Getenv("INTERNAL_API_KEY"), "internal API key")
	fs.DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")

	switch command {
	case "migrate":
		databaseURL := fs.String("database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if strings.TrimSpace(*databaseURL) == "" {
			return errors.New("--database-url or DATABASE_URL is required")
		}
		version, err := store.RunMigrations(*databaseURL)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "schema at version %d\n", version)
		return nil

	case "revert-failed":
		limit := fs.Int("limit", 100, "maximum rows to list")
		if err := fs.Parse(args); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
		defer cancel()
		list, err := client(opts).ListRevertFailed(ctx, *limit)
		if err != nil {
			return err
		}
		if list.Count == 0 {
			fmt.Fprintln(out, "no failed transfers are waiting for a revert")
			return nil
		}
		for _, txn := range list.Transactions {
			reason := ""
			if txn.FailureReason != nil {
				reason = *txn.FailureReason
			}
			fmt.Fprintf(out, "%s  %s -> %s  amount=%d  created=%s  reason=%q\n",
				txn.ID, txn.FromIdentity, txn.ToIdentity, txn.Amount, txn.CreatedAt.Format(time.RFC3339), reason)
		}
		return nil

	case "retry-revert":
		yes := fs.Bool("yes", false, "skip the confirmation prompt")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return errors.New("usage: ledgerctl retry-revert <transaction-id>")
		}
		id, err := uuid.Parse(fs.Arg(0))
		if err != nil {
			return fmt.Errorf("invalid transaction id: %w", err)
		}
		if !*yes && !confirm(in, out, fmt.Sprintf("Retry the revert of transaction %s?", id)) {
			fmt.Fprintln(out, "Cancelled.")
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
		defer cancel()
		txn, err := client(opts).RetryRevert(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(out, txn)

	case "reconcile":
		if err := fs.Parse(args); err != nil {
			return err
		}
		if fs.NArg() != 2 {
			return errors.New("usage: ledgerctl reconcile <external-id> <status>")
		}
		ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
		defer cancel()
		result, err := client(opts).Reconcile(ctx, ledgerclient.ReconcileRequest{ExternalID: fs.Arg(0), Status: fs.Arg(1)})
		if err != nil {
			return err
		}
		return printJSON(out, result)

	case "community":
		yes := fs.Bool("yes", false, "skip the confirmation prompt")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if fs.NArg() != 2 {
			return errors.New("usage: ledgerctl community <identity> <community>")
		}
		if !*yes && !confirm(in, out, fmt.Sprintf("Move %s to community %s?", fs.Arg(0), fs.Arg(1))) {
			fmt.Fprintln(out, "Cancelled.")
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
		defer cancel()
		account, err := client(opts).UpdateCommunity(ctx, fs.Arg(0), fs.Arg(1))
		if err != nil {
			return err
		}
		return printJSON(out, account)

	case "delete-account":
		yes := fs.Bool("yes", false, "skip the confirmation prompt")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return errors.New("usage: ledgerctl delete-account <identity>")
		}
		identity := strings.TrimSpace(fs.Arg(0))
		fmt.Fprintf(out, "Account %s will stop sending and receiving transfers. Its balance and history are kept.\n", identity)
		if !*yes && !confirm(in, out, "Are you sure you want to deactivate this account?") {
			fmt.Fprintln(out, "Cancelled.")
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
		defer cancel()
		account, err := client(opts).DeactivateAccount(ctx, identity)
		if err != nil {
			var apiErr *ledgerclient.APIError
			if errors.As(err, &apiErr) && apiErr.Code == "unsettled_transfers" {
				return fmt.Errorf("%s still has pending or revert-failed transfers; settle them first: %w", identity, err)
			}
			return err
		}
		return printJSON(out, account)

	case "token":
		secret := fs.String("jwt-secret", os.Getenv("JWT_SECRET"), "HS256 signing secret")
		ttl := fs.Duration("ttl", time.Hour, "token lifetime")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return errors.New("usage: ledgerctl token <identity>")
		}
		signed, err := mintToken(*secret, fs.Arg(0), *ttl, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(out, signed)
		return nil

	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
		return nil
	}

	return fmt.Errorf("unknown command %q\n\n%s", command, usage)
}

func client(opts globalOptions) *ledgerclient.Client {
	return ledgerclient.NewClient(opts.url, opts.apiKey)
}

func mintToken(secret, identity string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("--jwt-secret or JWT_SECRET is required")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   strings.TrimSpace(identity),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	return token.SignedString([]byte(secret))
}

func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s (yes/no): ", question)
	answer, _ := bufio.NewReader(in).ReadString('\n')
	return strings.TrimSpace(strings.ToLower(answer)) == "yes"
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
