// Copyright 2026 © The Bodhya Authors
// SPDX-License-Identifier: Apache-2.0

// Package main implements the Bodhya CLI.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// ${VAR} bindings in provider configs may come from a local .env.
	if err := godotenv.Load(); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: .env: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := &globalOptions{}
	root := newRootCmd(opts)
	if err := root.ExecuteContext(ctx); err != nil {
		printError(os.Stderr, err, opts.JSON)
		os.Exit(exitCode(err))
	}
}
