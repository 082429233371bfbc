package main

import (
	"crypto/rand"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/vaulthalla/vaulthalla/internal/control"
	"github.com/vaulthalla/vaulthalla/internal/model"
)

func runVault(args []string) {
	if len(args) == 0 {
		fmt.Println(`Usage: vaultctl vault <subcommand>

Subcommands:
  list                       List all vaults
  add [flags]                Create a vault
  remove <id>                Delete a vault and everything it owns
  sync <id>                  Trigger an immediate sync run

vault add flags:
  --name <name>              Vault name (required)
  --mount <dir>              Mount point under fuse.root_mount_path (required)
  --type local|s3            Vault type (default: local)
  --owner <uid>              Owner user id (default: 0)
  --quota <bytes>            Quota in bytes, 0 = unlimited (default: 0)
  --api-key <id>             API key id (required for s3)
  --bucket <name>            Bucket name (required for s3)
  --interval <minutes>       Sync interval (default: 15)
  --strategy cache|sync|mirror        Remote strategy (default: sync)
  --conflict-policy <policy>          keep_local|keep_remote|keep_newest|ask
                                      for s3; overwrite|keep_both|ask for local`)
		os.Exit(exitUsage)
	}

	switch args[0] {
	case "list", "ls":
		vaultList()
	case "add", "create":
		vaultAdd(args[1:])
	case "remove", "rm", "delete":
		if len(args) < 2 {
			fatalUsage("vault remove requires a vault id")
		}
		vaultRemove(parseID(args[1]))
	case "sync":
		if len(args) < 2 {
			fatalUsage("vault sync requires a vault id")
		}
		vaultSync(parseID(args[1]))
	default:
		fatalUsage("unknown vault subcommand: " + args[0])
	}
}

func parseID(s string) uint32 {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		fatalUsage("invalid id: " + s)
	}
	return uint32(id)
}

func vaultList() {
	store := openStore()
	defer store.Close()

	vaults, err := store.ListVaults()
	if err != nil {
		fatalTransport("list vaults: " + err.Error())
	}
	if len(vaults) == 0 {
		fmt.Println("No vaults found.")
		return
	}

	headers := []string{"ID", "NAME", "MOUNT", "TYPE", "QUOTA", "ACTIVE"}
	var rows [][]string
	for _, v := range vaults {
		quota := "unlimited"
		if v.Quota > 0 {
			quota = strconv.FormatInt(v.Quota, 10)
		}
		rows = append(rows, []string{
			strconv.FormatUint(uint64(v.ID), 10),
			v.Name,
			v.MountPoint,
			string(v.Type),
			quota,
			strconv.FormatBool(v.IsActive),
		})
	}
	printTable(headers, rows)
}

func vaultAdd(args []string) {
	v := model.Vault{Type: model.VaultLocal, IsActive: true}
	intervalMinutes := 15
	strategy := model.StrategySync
	conflictPolicy := ""

	for len(args) > 0 {
		flag := args[0]
		if len(args) < 2 {
			fatalUsage(flag + " requires a value")
		}
		val := args[1]
		args = args[2:]
		switch flag {
		case "--name":
			v.Name = val
		case "--mount":
			v.MountPoint = val
		case "--type":
			v.Type = model.VaultType(val)
		case "--owner":
			v.OwnerID = parseID(val)
		case "--quota":
			q, err := strconv.ParseInt(val, 10, 64)
			if err != nil || q < 0 {
				fatalUsage("invalid quota: " + val)
			}
			v.Quota = q
		case "--api-key":
			v.APIKeyID = parseID(val)
		case "--bucket":
			v.Bucket = val
		case "--interval":
			m, err := strconv.Atoi(val)
			if err != nil || m <= 0 {
				fatalUsage("invalid interval: " + val)
			}
			intervalMinutes = m
		case "--strategy":
			strategy = model.Strategy(val)
		case "--conflict-policy":
			conflictPolicy = val
		default:
			fatalUsage("unknown flag: " + flag)
		}
	}

	if v.Name == "" || v.MountPoint == "" {
		fatalUsage("--name and --mount are required")
	}
	switch v.Type {
	case model.VaultLocal:
	case model.VaultS3:
		if v.APIKeyID == 0 || v.Bucket == "" {
			fatalUsage("--api-key and --bucket are required for type s3")
		}
	default:
		fatalUsage("invalid --type: " + string(v.Type))
	}

	store := openStore()
	defer store.Close()

	if v.Type == model.VaultS3 {
		if _, err := store.GetAPIKey(v.APIKeyID); err != nil {
			fatalNotFound(fmt.Sprintf("api key %d not found", v.APIKeyID))
		}
	}

	created, err := store.CreateVault(v)
	if err != nil {
		fatalTransport("create vault: " + err.Error())
	}

	policy := model.SyncPolicy{
		VaultID:  created.ID,
		Interval: time.Duration(intervalMinutes) * time.Minute,
		Enabled:  true,
	}
	if created.Type == model.VaultS3 {
		cp := model.ConflictPolicy(conflictPolicy)
		if conflictPolicy == "" {
			cp = model.PolicyKeepNewest
		}
		policy.Remote = &model.RemotePolicy{Strategy: strategy, ConflictPolicy: cp}
	} else {
		cp := model.ConflictPolicy(conflictPolicy)
		if conflictPolicy == "" {
			cp = model.PolicyOverwrite
		}
		policy.Local = &model.LocalPolicy{ConflictPolicy: cp}
	}
	if err := store.PutSyncPolicy(policy); err != nil {
		fatalTransport("create sync policy: " + err.Error())
	}

	// Bootstrap key version 1 so the vault's Crypto Manager can encrypt
	// from the first write.
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		fatalTransport("generate vault key: " + err.Error())
	}
	if err := store.PutKeyVersion(created.ID, 1, key); err != nil {
		fatalTransport("store vault key: " + err.Error())
	}
	if err := store.SetCurrentKeyVersion(created.ID, 1); err != nil {
		fatalTransport("activate vault key: " + err.Error())
	}

	fmt.Printf("Created vault %d (%s) at %s\n", created.ID, created.Name, created.MountPoint)
}

func vaultRemove(id uint32) {
	store := openStore()
	defer store.Close()

	if _, err := store.GetVault(id); err != nil {
		fatalNotFound(fmt.Sprintf("vault %d not found", id))
	}
	if err := store.DeleteVault(id); err != nil {
		fatalTransport("delete vault: " + err.Error())
	}
	fmt.Printf("Removed vault %d\n", id)
}

func vaultSync(id uint32) {
	resp := sendControl(control.Request{Op: "sync", VaultID: id})
	if !resp.OK {
		if resp.Error != "" {
			fatalNotFound("sync rejected: " + resp.Error)
		}
		fatalTransport("sync rejected")
	}
	fmt.Printf("Sync scheduled for vault %d\n", id)
}
