package main

import (
	"fmt"
	"os"
)

var version = "dev"

var (
	configPath string
	socketPath string
)

func init() {
	configPath = envOrDefault("VAULTHALLA_CONFIG", "/etc/vaulthalla/vaulthalla.yaml")
	socketPath = envOrDefault("VAULTHALLA_UDS_SOCKET", "")
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitUsage)
	}

	// Parse global flags before subcommand
	args := os.Args[1:]
	for len(args) > 0 && len(args[0]) > 0 && args[0][0] == '-' {
		switch args[0] {
		case "--config":
			if len(args) < 2 {
				fatalUsage("--config requires a value")
			}
			configPath = args[1]
			args = args[2:]
		case "--socket":
			if len(args) < 2 {
				fatalUsage("--socket requires a value")
			}
			socketPath = args[1]
			args = args[2:]
		case "--version", "-v":
			fmt.Printf("vaultctl %s\n", version)
			os.Exit(exitOK)
		case "--help", "-h":
			printUsage()
			os.Exit(exitOK)
		default:
			fatalUsage("unknown flag: " + args[0])
		}
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(exitUsage)
	}

	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "daemon":
		runDaemon(cmdArgs)
	case "vault":
		runVault(cmdArgs)
	case "apikey":
		runAPIKey(cmdArgs)
	case "version":
		fmt.Printf("vaultctl %s\n", version)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitUsage)
	}
}

func printUsage() {
	fmt.Println(`Usage: vaultctl [flags] <command> <subcommand> [args]

Global Flags:
  --config <path>      Config file (default: $VAULTHALLA_CONFIG or /etc/vaulthalla/vaulthalla.yaml)
  --socket <path>      Control socket (default: $VAULTHALLA_UDS_SOCKET or the config's server.uds_socket)
  --version, -v        Show version

Commands:
  daemon               Daemon lifecycle (start, stop, status)
  vault                Vault operations (add, remove, list, sync)
  apikey               API key operations (add, remove, list)
  version              Show version
  help                 Show this help

Exit codes: 0 success, 1 usage, 2 not found, 3 permission denied,
4 transport failure, 5 configuration error`)
}
