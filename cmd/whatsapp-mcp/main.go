// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command whatsapp-mcp exposes a linked WhatsApp account to MCP clients as
// a set of tools, served over stdio or streamable HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"go.mau.fi/util/exzerolog"
	flag "maunium.net/go/mauflag"

	"github.com/aiku/whatsapp-mcp/pkg/server"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath      = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
	transport       = flag.MakeFull("t", "transport", "Override the transport mode (stdio or http).", "").String()
	noUpdate        = flag.MakeFull("n", "no-update", "Don't save the upgraded config to disk.", "false").Bool()
	generateExample = flag.MakeFull("e", "generate-example", "Save the example config to the config path and quit.", "false").Bool()
	version         = flag.MakeFull("v", "version", "View the version and quit.", "false").Bool()
	wantHelp, _     = flag.MakeHelpFlag()
)

func main() {
	flag.SetHelpTitles(
		"whatsapp-mcp - A WhatsApp MCP server.",
		"whatsapp-mcp [-hvne] [-c <path>] [-t <stdio|http>]",
	)
	if err := flag.Parse(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *version {
		fmt.Printf("whatsapp-mcp %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
		os.Exit(0)
	} else if *generateExample {
		if err := os.WriteFile(*configPath, []byte(server.ExampleConfig), 0o600); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "Failed to write example config:", err)
			os.Exit(1)
		}
		_, _ = fmt.Fprintln(os.Stderr, "Wrote example config to", *configPath)
		os.Exit(0)
	}
	if err := run(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*server.Config, error) {
	if _, err := os.Stat(*configPath); errors.Is(err, fs.ErrNotExist) {
		return server.ParseConfig(nil)
	}
	return server.LoadConfig(*configPath, !*noUpdate)
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err = cfg.ApplyEnv(nil); err != nil {
		return err
	}
	if *transport != "" {
		cfg.Server.Transport = *transport
	}
	if err = cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config:\n%w", err)
	}

	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	exzerolog.SetupDefaults(log)
	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Msg("Initializing whatsapp-mcp")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err = server.New(cfg, *log, server.Deps{}).Run(ctx); err != nil {
		log.Err(err).Msg("Server exited with an error")
		return err
	}
	return nil
}
