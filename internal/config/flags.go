package config

import (
	"flag"
	"os"

	"github.com/mkoval/authlink/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-l string      listen address of the local HTTP surface
//	-u string      identity backend base URL
//	-d string      sqlite database path
//	-p string      storage encryption password
//	-relay string  websocket sync relay URL
//	-app string    trusted-app id of this context
//	-k string      shared sync HMAC key (hex)
//	-s string      token signing key PEM path
//
// The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-l", "-u", "-d", "-p", "-relay", "-app", "-k", "-s"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.ListenAddr, "l", cfg.ListenAddr, "listen address of the local HTTP surface")
	fs.StringVar(&cfg.IdentityURL, "u", cfg.IdentityURL, "identity backend base URL")
	fs.StringVar(&cfg.DatabasePath, "d", cfg.DatabasePath, "sqlite database path")
	fs.StringVar(&cfg.StoragePassword, "p", cfg.StoragePassword, "storage encryption password")
	fs.StringVar(&cfg.RelayURL, "relay", cfg.RelayURL, "websocket sync relay URL")
	fs.StringVar(&cfg.AppID, "app", cfg.AppID, "trusted-app id of this context")
	fs.StringVar(&cfg.SyncKeyHex, "k", cfg.SyncKeyHex, "shared sync HMAC key (hex)")
	fs.StringVar(&cfg.SigningKeyPath, "s", cfg.SigningKeyPath, "token signing key PEM path")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
