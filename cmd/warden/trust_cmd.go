package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/Mindburn-Labs/warden/pkg/config"
	"github.com/Mindburn-Labs/warden/pkg/truststore"
)

// openTrustStore loads the certificate registry from the configured database.
func openTrustStore(ctx context.Context) (*truststore.Store, *sql.DB, error) {
	cfg := config.Load()
	db, err := openPrimaryDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	persister, err := truststore.NewSQLitePersister(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	trust := truststore.NewStore().WithPersister(persister)
	if err := trust.Load(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return trust, db, nil
}

func runTrustCmd(args []string, stdout, stderr io.Writer) int {
	switch args[0] {
	case "issue-cert":
		return runTrustIssue(args[1:], stdout, stderr)
	case "revoke-cert":
		return runTrustRevoke(args[1:], stdout, stderr)
	case "list-certs":
		return runTrustList(stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown trust subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, "Usage: warden trust <issue-cert|revoke-cert|list-certs>")
		return 2
	}
}

func runTrustIssue(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("trust issue-cert", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		identity    string
		fingerprint string
		ttl         time.Duration
	)
	cmd.StringVar(&identity, "identity", "", "Agent identity ID (REQUIRED)")
	cmd.StringVar(&fingerprint, "fingerprint", "", "SHA-256 certificate fingerprint (REQUIRED)")
	cmd.DurationVar(&ttl, "ttl", 90*24*time.Hour, "Certificate lifetime")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if identity == "" || fingerprint == "" {
		fmt.Fprintln(stderr, "Error: --identity and --fingerprint are required")
		cmd.Usage()
		return 2
	}

	ctx := context.Background()
	trust, db, err := openTrustStore(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer db.Close()

	cert, err := trust.Issue(ctx, identity, fingerprint, time.Now().Add(ttl))
	if err != nil {
		fmt.Fprintf(stderr, "Error issuing certificate: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Issued %s for %s (expires %s)\n",
		cert.FingerprintSHA256, cert.IdentityID, cert.ExpiresAt.Format(time.RFC3339))
	return 0
}

func runTrustRevoke(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("trust revoke-cert", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		fingerprint string
		reason      string
	)
	cmd.StringVar(&fingerprint, "fingerprint", "", "SHA-256 certificate fingerprint (REQUIRED)")
	cmd.StringVar(&reason, "reason", "operator_revoked", "Revocation reason")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if fingerprint == "" {
		fmt.Fprintln(stderr, "Error: --fingerprint is required")
		cmd.Usage()
		return 2
	}

	ctx := context.Background()
	trust, db, err := openTrustStore(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer db.Close()

	if err := trust.Revoke(ctx, fingerprint, reason); err != nil {
		fmt.Fprintf(stderr, "Error revoking certificate: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Revoked %s (%s)\n", fingerprint, reason)
	return 0
}

func runTrustList(stdout, stderr io.Writer) int {
	ctx := context.Background()
	trust, db, err := openTrustStore(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer db.Close()

	data, err := json.MarshalIndent(trust.List(), "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, string(data))
	return 0
}
