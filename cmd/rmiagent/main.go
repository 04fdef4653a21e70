package main

import (
	"fmt"
	"io"
	"os"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 1
	}

	cmd := args[0]
	rest := args[1:]

	switch cmd {
	// --- NOUNS ---
	case "agent":
		return runAgentNoun(rest, stdout, stderr)
	case "request":
		return runRequestNoun(rest, stdout, stderr)
	case "config":
		return runConfigNoun(rest, stdout, stderr)

	// --- ROOT ALIASES ---
	case "start":
		return runAgentStart(rest, stderr)
	case "version":
		fmt.Fprintf(stdout, "rmiagent version %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0

	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", cmd)
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `rmiagent - Remote method invocation agent

Usage:
  rmiagent <noun> <action> [flags]

Core Resources (Nouns):
  agent     Agent lifecycle
  request   Requests served by a running agent
  config    Agent configuration

Agent Commands:
  agent start       Start the agent in foreground

Request Commands:
  request cancel    Cancel requests by --sn or --criteria

Config Commands:
  config check      Validate a configuration file

General:
  version           Show version information
  help              Show this help message

Use 'rmiagent <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runAgentNoun(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: rmiagent agent <start> [flags]")
		return 1
	}
	switch args[0] {
	case "start":
		return runAgentStart(args[1:], stderr)
	case "worker":
		// Hidden: the isolated call model re-executes the agent with this.
		return runAgentWorker(args[1:], stderr)
	case "help", "--help", "-h":
		fmt.Fprintln(stdout, "Usage: rmiagent agent start [--config PATH]")
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown agent action: %s\n", args[0])
		return 1
	}
}

func runRequestNoun(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: rmiagent request <cancel> [flags]")
		return 1
	}
	switch args[0] {
	case "cancel":
		return runRequestCancel(args[1:], stdout, stderr)
	case "help", "--help", "-h":
		fmt.Fprintln(stdout, "Usage: rmiagent request cancel (--sn SN | --criteria JSON) [--api URL] [--token TOKEN]")
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown request action: %s\n", args[0])
		return 1
	}
}

func runConfigNoun(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: rmiagent config <check> [flags]")
		return 1
	}
	switch args[0] {
	case "check":
		return runConfigCheck(args[1:], stdout, stderr)
	case "help", "--help", "-h":
		fmt.Fprintln(stdout, "Usage: rmiagent config check [--config PATH]")
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}
