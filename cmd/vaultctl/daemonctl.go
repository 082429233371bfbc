package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/vaulthalla/vaulthalla/internal/control"
)

func runDaemon(args []string) {
	if len(args) == 0 {
		fmt.Println(`Usage: vaultctl daemon <subcommand>

Subcommands:
  start                Start the daemon in the background
  stop                 Ask a running daemon to shut down
  status               Check whether the daemon is responding`)
		os.Exit(exitUsage)
	}

	switch args[0] {
	case "start":
		daemonStart()
	case "stop":
		daemonStop()
	case "status":
		daemonStatus()
	default:
		fatalUsage("unknown daemon subcommand: " + args[0])
	}
}

func daemonStart() {
	bin, err := exec.LookPath("vaulthalla")
	if err != nil {
		fatalConfig("vaulthalla binary not found in PATH")
	}
	cmd := exec.Command(bin, "-config", configPath)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		fatalTransport("start daemon: " + err.Error())
	}
	if err := cmd.Process.Release(); err != nil {
		fatalTransport("detach daemon: " + err.Error())
	}
	fmt.Printf("Started vaulthalla (pid %d)\n", cmd.Process.Pid)
}

func daemonStop() {
	resp := sendControl(control.Request{Op: "stop"})
	if !resp.OK {
		fatalTransport("stop rejected: " + resp.Error)
	}
	fmt.Println("Daemon shutting down.")
}

func daemonStatus() {
	resp := sendControl(control.Request{Op: "ping"})
	if !resp.OK {
		fatalTransport("daemon responded with error: " + resp.Error)
	}
	fmt.Println("Daemon is running.")
}
