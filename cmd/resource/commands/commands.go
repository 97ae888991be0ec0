// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the complete resource CLI command tree.
package commands

import (
	"context"
	"fmt"

	"github.com/quarry-build/quarry/cmd/resource/cli"
	"github.com/quarry-build/quarry/lib/version"
)

// Root builds and returns the complete resource CLI command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name: "resource",
		Description: `Quarry resource pipeline.

Store source assets, compile them per platform through the cache
hierarchy, and ship the results as bundles. Commands talk to a local
store directly or to sourced/compiled daemons, per the configuration.`,
		Subcommands: []*cli.Command{
			StoreCommand(),
			FetchCommand(),
			RecordCommand(),
			SetCommand(),
			UnsetCommand(),
			DeleteCommand(),
			DepsCommand(),
			CompileCommand(),
			GetCommand(),
			BundleCommand(),
			ImportCommand(),
			WatchCommand(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(_ context.Context, args []string) error {
					fmt.Printf("resource %s\n", version.Full())
					return nil
				},
			},
		},
		Examples: []cli.Example{
			{
				Description: "Store a texture in the local store",
				Command:     "resource store assets/stone.png --store ./store",
			},
			{
				Description: "Import a whole asset tree",
				Command:     "resource import ./assets --store ./store",
			},
			{
				Description: "Compile a resource for a platform",
				Command:     "resource compile 7b09ad3e-5c4e-4f0e-9d3a-2f6f3f1c8b7a --platform linux::vulkan",
			},
			{
				Description: "Fetch the compiled payload",
				Command:     "resource get 7b09ad3e-5c4e-4f0e-9d3a-2f6f3f1c8b7a --platform linux::vulkan -o stone.bin",
			},
			{
				Description: "Pack every texture the manifest names",
				Command:     "resource bundle create assets.qbn $(cat manifest.txt)",
			},
			{
				Description: "Follow changes from a sourced daemon",
				Command:     "resource watch --remote 127.0.0.1:7227",
			},
		},
	}
}
