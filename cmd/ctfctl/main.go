// Command ctfctl is a command-line client for a running ledger. Mutating
// commands sign their requests with the wallet key from --key, --key-file or
// CTFLEDGER_WALLET_PRIVATE_KEY.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/alanyoungcy/ctfledger/internal/crypto"
	"github.com/alanyoungcy/ctfledger/internal/platform/ledgerclient"
)

// env carries the global options every command sees.
type env struct {
	url      string
	key      crypto.KeyConfig
	needsKey bool
}

// client builds a ledger client, loading the signer when one is configured.
func (e env) client() (*ledgerclient.Client, error) {
	signer, err := crypto.LoadSigner(e.key)
	switch {
	case errors.Is(err, crypto.ErrNoKey):
		if e.needsKey {
			return nil, errors.New("this command needs a wallet key (--key, --key-file or CTFLEDGER_WALLET_PRIVATE_KEY)")
		}
		return ledgerclient.New(e.url, nil), nil
	case err != nil:
		return nil, err
	}
	return ledgerclient.New(e.url, signer), nil
}

type command struct {
	usage  string
	signed bool
	run    func(ctx context.Context, e env, args []string) error
}

func main() {
	_ = godotenv.Load()

	global := flag.NewFlagSet("ctfctl", flag.ExitOnError)
	url := global.String("url", envOr("CTFLEDGER_URL", "http://localhost:8000"), "ledger API root")
	key := global.String("key", os.Getenv("CTFLEDGER_WALLET_PRIVATE_KEY"), "hex private key")
	keyFile := global.String("key-file", os.Getenv("CTFLEDGER_WALLET_ENCRYPTED_KEY_PATH"), "encrypted key file")
	password := global.String("password", os.Getenv("CTFLEDGER_WALLET_KEY_PASSWORD"), "password for --key-file")
	global.Usage = usage
	_ = global.Parse(os.Args[1:])

	args := global.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "ctfctl: unknown command %q\n\n", args[0])
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e := env{
		url:      *url,
		key:      crypto.KeyConfig{RawPrivateKey: *key, EncryptedKeyPath: *keyFile, KeyPassword: *password},
		needsKey: cmd.signed,
	}
	if err := cmd.run(ctx, e, args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ctfctl %s: %v\n", args[0], err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: ctfctl [--url URL] [--key HEX | --key-file PATH --password PW] <command> [flags]")
	fmt.Fprintln(os.Stderr, "\ncommands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "  %-16s %s\n", name, commands[name].usage)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// printJSON writes v to stdout, indented.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
