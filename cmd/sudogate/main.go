package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "filter":
		return runFilterCmd(args[2:], stdout, stderr)
	case "search":
		return runSearchCmd(args[2:], stdout, stderr)
	case "keygen":
		return runKeygenCmd(args[2:], stdout, stderr)
	case "receipt":
		return runReceiptCmd(args[2:], stdout, stderr)
	case "archive":
		return runArchiveCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "sudogate - authorization boundary for agent tool calls")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  sudogate <command> [flags] [ledger-path]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "  Every command accepts --config <file>. When the ledger path is omitted")
	fmt.Fprintln(w, "  it comes from the config or SUDOGATE_LEDGER_PATH; verify/receipt/archive")
	fmt.Fprintln(w, "  default --public-key from SUDOGATE_PUBLIC_KEY.")
	fmt.Fprintln(w, "")
	printSection(w, "VERIFICATION")
	printCommand(w, "verify", "Verify ledger chain and signatures (--public-key, --json)")
	printCommand(w, "receipt", "Extract a decision receipt (--request-id | --decision-hash)")
	printSection(w, "INSPECTION")
	printCommand(w, "export", "Export ledger entries (--format json|ndjson|csv)")
	printCommand(w, "filter", "Filter entries (--request-id, --action, --agent-id, --start, --end)")
	printCommand(w, "search", "Search entries by substring (--query)")
	printSection(w, "KEYS & ARCHIVAL")
	printCommand(w, "keygen", "Generate an Ed25519 PEM key pair")
	printCommand(w, "archive", "Upload a ledger snapshot to object storage (--backend, --bucket)")
	printSection(w, "OTHER")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s:\n", title)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-10s %s\n", name, desc)
}
