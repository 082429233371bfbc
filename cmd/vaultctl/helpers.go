package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vaulthalla/vaulthalla/internal/config"
	"github.com/vaulthalla/vaulthalla/internal/control"
	"github.com/vaulthalla/vaulthalla/internal/metadata"
)

const (
	exitOK = iota
	exitUsage
	exitNotFound
	exitPermission
	exitTransport
	exitConfig
)

func fatalUsage(msg string) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	os.Exit(exitUsage)
}

func fatalNotFound(msg string) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	os.Exit(exitNotFound)
}

func fatalTransport(msg string) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	os.Exit(exitTransport)
}

func fatalConfig(msg string) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	os.Exit(exitConfig)
}

func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fatalConfig("load config " + configPath + ": " + err.Error())
	}
	return cfg
}

func controlSocket() string {
	if socketPath != "" {
		return socketPath
	}
	return loadConfig().Server.UDSSocket
}

// sendControl sends one newline-delimited JSON request over the daemon's
// control socket and reads the single response line.
func sendControl(req control.Request) control.Response {
	sock := controlSocket()
	conn, err := net.DialTimeout("unix", sock, 5*time.Second)
	if err != nil {
		fatalTransport("connect " + sock + ": " + err.Error())
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	data, err := json.Marshal(req)
	if err != nil {
		fatalUsage("encode request: " + err.Error())
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		fatalTransport("send request: " + err.Error())
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		fatalTransport("no response from daemon")
	}
	var resp control.Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		fatalTransport("decode response: " + err.Error())
	}
	return resp
}

// openStore opens the metadata store directly, for administrative commands
// that do not need a running daemon. bbolt takes an exclusive file lock, so
// this fails fast when the daemon holds the database.
func openStore() *metadata.Store {
	cfg := loadConfig()
	store, err := metadata.Open(filepath.Join(cfg.Storage.MetadataDir, "vaulthalla.db"))
	if err != nil {
		if strings.Contains(err.Error(), "timeout") {
			fatalTransport("metadata store is locked (daemon running? use 'vault sync' via the socket): " + err.Error())
		}
		fatalConfig("open metadata store: " + err.Error())
	}
	return store
}

func printTable(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}
	for i, h := range headers {
		fmt.Printf("%-*s  ", widths[i], h)
	}
	fmt.Println()
	for _, row := range rows {
		for i, cell := range row {
			fmt.Printf("%-*s  ", widths[i], cell)
		}
		fmt.Println()
	}
}
