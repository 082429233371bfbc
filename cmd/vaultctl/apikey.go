package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/vaulthalla/vaulthalla/internal/model"
	"github.com/vaulthalla/vaulthalla/internal/vaultcrypto"
)

func runAPIKey(args []string) {
	if len(args) == 0 {
		fmt.Println(`Usage: vaultctl apikey <subcommand>

Subcommands:
  list                       List stored API keys (secrets never shown)
  add [flags]                Store an API key
  remove <id>                Delete an API key

apikey add flags:
  --owner <uid>              Owner user id (default: 0)
  --provider <name>          Provider label, e.g. aws, minio (required)
  --access-key <key>         Access key id (required)
  --secret <key>             Secret access key (required; encrypted at rest)
  --region <region>          Region (default: us-east-1)
  --endpoint <url>           Endpoint URL (required)`)
		os.Exit(exitUsage)
	}

	switch args[0] {
	case "list", "ls":
		apiKeyList()
	case "add", "create":
		apiKeyAdd(args[1:])
	case "remove", "rm", "delete":
		if len(args) < 2 {
			fatalUsage("apikey remove requires a key id")
		}
		apiKeyRemove(parseID(args[1]))
	default:
		fatalUsage("unknown apikey subcommand: " + args[0])
	}
}

func apiKeyList() {
	store := openStore()
	defer store.Close()

	keys, err := store.ListAPIKeys()
	if err != nil {
		fatalTransport("list api keys: " + err.Error())
	}
	if len(keys) == 0 {
		fmt.Println("No API keys found.")
		return
	}
	headers := []string{"ID", "PROVIDER", "ACCESS_KEY", "REGION", "ENDPOINT"}
	var rows [][]string
	for _, k := range keys {
		rows = append(rows, []string{
			strconv.FormatUint(uint64(k.ID), 10),
			k.Provider,
			k.AccessKey,
			k.Region,
			k.Endpoint,
		})
	}
	printTable(headers, rows)
}

func apiKeyAdd(args []string) {
	k := model.APIKey{Region: "us-east-1"}
	secret := ""

	for len(args) > 0 {
		flag := args[0]
		if len(args) < 2 {
			fatalUsage(flag + " requires a value")
		}
		val := args[1]
		args = args[2:]
		switch flag {
		case "--owner":
			k.OwnerID = parseID(val)
		case "--provider":
			k.Provider = val
		case "--access-key":
			k.AccessKey = val
		case "--secret":
			secret = val
		case "--region":
			k.Region = val
		case "--endpoint":
			k.Endpoint = val
		default:
			fatalUsage("unknown flag: " + flag)
		}
	}

	if k.Provider == "" || k.AccessKey == "" || secret == "" || k.Endpoint == "" {
		fatalUsage("--provider, --access-key, --secret, and --endpoint are required")
	}

	cfg := loadConfig()
	bootKey, err := cfg.Encryption.KeyBytes()
	if err != nil || bootKey == nil {
		fatalConfig("apikey add requires encryption.key in the config (secrets are encrypted at rest)")
	}
	k.EncryptedSecret, k.IV, err = vaultcrypto.SealSecret(bootKey, secret)
	if err != nil {
		fatalConfig("encrypt secret: " + err.Error())
	}

	store := openStore()
	defer store.Close()

	created, err := store.CreateAPIKey(k)
	if err != nil {
		fatalTransport("store api key: " + err.Error())
	}
	fmt.Printf("Created api key %d (%s @ %s)\n", created.ID, created.AccessKey, created.Endpoint)
}

func apiKeyRemove(id uint32) {
	store := openStore()
	defer store.Close()

	if _, err := store.GetAPIKey(id); err != nil {
		fatalNotFound(fmt.Sprintf("api key %d not found", id))
	}
	if err := store.DeleteAPIKey(id); err != nil {
		fatalTransport("delete api key: " + err.Error())
	}
	fmt.Printf("Removed api key %d\n", id)
}
