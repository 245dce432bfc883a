package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests.
var startServer = runServer

// Run dispatches subcommands. It is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(stdout, stderr)
	}

	switch args[1] {
	case "server", "serve":
		return startServer(stdout, stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "trust":
		if len(args) < 3 {
			fmt.Fprintln(stderr, "Usage: warden trust <issue-cert|revoke-cert|list-certs>")
			return 2
		}
		return runTrustCmd(args[2:], stdout, stderr)
	case "verify-ledger":
		return runVerifyLedgerCmd(args[2:], stdout, stderr)
	case "export-evidence":
		return runExportEvidenceCmd(args[2:], stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "warden %s\n", Version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer(stdout, stderr)
		}
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "warden %s — endpoint security and compliance core\n", Version)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  warden <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "SERVER:")
	printCommand(w, "server", "Run the warden server (default)")
	printCommand(w, "health", "Check a running server over HTTP")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "TRUST MANAGEMENT:")
	printCommand(w, "trust", "Manage agent certificates (issue-cert/revoke-cert/list-certs)")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "EVIDENCE:")
	printCommand(w, "verify-ledger", "Verify the evidence ledger hash chain")
	printCommand(w, "export-evidence", "Export ledger entries to the configured archive")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "UTILITIES:")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-16s %s\n", name, desc)
}

func runHealthCmd(out, errOut io.Writer) int {
	base := os.Getenv("WARDEN_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	resp, err := http.Get(base + "/health")
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(out, "OK")
	return 0
}
