// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/quarry-build/quarry/cmd/resource/cli"
	"github.com/quarry-build/quarry/lib/importer"
)

// ImportCommand returns the "import" subcommand: run the built-in
// importers over files and directories, once, without watching.
func ImportCommand() *cli.Command {
	var conn cli.Connection

	return &cli.Command{
		Name:    "import",
		Summary: "Import asset files as source resources",
		Description: `Import runs the built-in importer set over the given paths: files are
imported directly, directories are walked. Each matching file becomes
a source resource under its path-derived identifier, so re-importing
is cheap and never duplicates. Files no importer matches are skipped
in a directory walk and rejected when named directly.

For continuous re-import on change, run sourced with --watch instead.`,
		Usage: "resource import <path>... [flags]",
		Examples: []cli.Example{
			{
				Description: "Import a whole asset tree into the local store",
				Command:     "resource import ./assets --store ./store",
			},
			{
				Description: "Push one file to a sourced daemon",
				Command:     "resource import stone.png --remote 127.0.0.1:7227",
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("import", pflag.ContinueOnError)
			conn.AddFlags(flags)
			return flags
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("usage: resource import <path>... [flags]")
			}

			registry := importer.NewRegistry()
			for _, imp := range importer.DefaultImporters() {
				if err := registry.Register(imp); err != nil {
					return err
				}
			}

			session, err := conn.Session()
			if err != nil {
				return err
			}
			defer session.Close()

			backend, err := session.DefaultBackend()
			if err != nil {
				return err
			}

			// One-shot import: no import map. The store's content
			// idempotence already makes unchanged files free.
			for _, path := range args {
				info, err := os.Stat(path)
				if err != nil {
					return err
				}
				if info.IsDir() {
					stored, err := importer.ImportTree(ctx, registry, nil, backend, path)
					if err != nil {
						return err
					}
					fmt.Printf("%s: imported %d resources\n", path, stored)
					continue
				}
				id, _, err := importer.ImportFile(ctx, registry, nil, backend, path)
				if err != nil {
					return err
				}
				fmt.Printf("%s: %s\n", path, id)
			}
			return nil
		},
	}
}
