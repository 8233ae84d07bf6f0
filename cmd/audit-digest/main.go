// Command audit-digest is the offline daily digest emitter. It loads one
// UTC day of audit events, verifies hash-chain continuity within the
// window, and prints the digest document on stdout.
//
// Exit codes: 0 chain valid, 1 chain broken (digest still emitted),
// 2 infrastructure failure.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/casf-systems/verifier-gateway/pkg/audit"
	"github.com/casf-systems/verifier-gateway/pkg/digest"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("audit-digest", flag.ContinueOnError)
	date := fs.String("date", "", "UTC day to digest (YYYY-MM-DD); defaults to yesterday")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	dsn := os.Getenv("CASF_DURABLE_STORE_DSN")
	if dsn == "" {
		fmt.Fprintln(os.Stderr, "audit-digest: CASF_DURABLE_STORE_DSN env var is required")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	log, err := audit.Open(ctx, dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit-digest: %v\n", err)
		return 2
	}
	defer log.Close()

	result, err := digest.Export(ctx, log, *date)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit-digest: %v\n", err)
		return 2
	}

	if key := os.Getenv("CASF_DIGEST_SIGNING_KEY"); key != "" {
		sig, err := digest.Sign(result, []byte(key))
		if err != nil {
			fmt.Fprintf(os.Stderr, "audit-digest: sign: %v\n", err)
			return 2
		}
		result.Signature = sig
	}

	enc := json.NewEncoder(os.Stdout)
	if err := enc.Encode(result); err != nil {
		fmt.Fprintf(os.Stderr, "audit-digest: %v\n", err)
		return 2
	}

	return digest.ExitCode(result)
}
