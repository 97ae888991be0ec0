// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/quarry-build/quarry/cmd/resource/cli"
	"github.com/quarry-build/quarry/lib/compiled"
	"github.com/quarry-build/quarry/lib/platform"
	"github.com/quarry-build/quarry/lib/resource"
)

// CompileCommand returns the "compile" subcommand: compile a resource
// through the cache hierarchy and report the resulting artifact.
func CompileCommand() *cli.Command {
	var conn cli.Connection
	var platformFlag string
	var force bool
	var jsonOut bool

	return &cli.Command{
		Name:    "compile",
		Summary: "Compile a resource for a platform",
		Description: `Compile ensures an up-to-date compiled artifact exists for the
resource, consulting the local cache, then the shared cache, and
compiling from source only on a miss. With --force the caches are
bypassed and the artifact is rebuilt unconditionally.

The artifact record is printed; use "resource get" for the payload.`,
		Usage: "resource compile <id> [flags]",
		Examples: []cli.Example{
			{
				Description: "Compile for a platform family",
				Command:     "resource compile 7b09ad3e-5c4e-4f0e-9d3a-2f6f3f1c8b7a --platform linux::vulkan",
			},
			{
				Description: "Rebuild even when cached",
				Command:     "resource compile 7b09ad3e-5c4e-4f0e-9d3a-2f6f3f1c8b7a --force",
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("compile", pflag.ContinueOnError)
			conn.AddFlags(flags)
			flags.StringVar(&platformFlag, "platform", "", "platform selector (default: any)")
			flags.BoolVar(&force, "force", false, "recompile even when a fresh artifact is cached")
			flags.BoolVar(&jsonOut, "json", false, "print the artifact record as JSON")
			return flags
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: resource compile <id> [flags]")
			}
			id, err := resource.ParseID(args[0])
			if err != nil {
				return err
			}
			tag, err := parsePlatform(platformFlag)
			if err != nil {
				return err
			}

			session, err := conn.Session()
			if err != nil {
				return err
			}
			defer session.Close()

			pipeline, err := session.Pipeline()
			if err != nil {
				return err
			}

			ensure := pipeline.EnsureCompiled
			if force {
				ensure = pipeline.Recompile
			}
			rec, payload, err := ensure(ctx, id, tag)
			if err != nil {
				return err
			}
			payload.Close()

			if jsonOut {
				return cli.WriteJSON(rec)
			}
			printCompiledRecord(rec)
			return nil
		},
	}
}

// GetCommand returns the "get" subcommand: compile if needed and write
// the artifact payload to stdout or a file.
func GetCommand() *cli.Command {
	var conn cli.Connection
	var platformFlag string
	var outPath string

	return &cli.Command{
		Name:    "get",
		Summary: "Fetch a compiled payload",
		Description: `Get streams the compiled artifact payload to stdout, or to a file
with -o, compiling first when no fresh artifact is cached. The
artifact record goes to stderr so the payload stays pipeable.`,
		Usage: "resource get <id> [flags]",
		Examples: []cli.Example{
			{
				Description: "Write a compiled texture to a file",
				Command:     "resource get 7b09ad3e-5c4e-4f0e-9d3a-2f6f3f1c8b7a --platform linux -o stone.bin",
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("get", pflag.ContinueOnError)
			conn.AddFlags(flags)
			flags.StringVar(&platformFlag, "platform", "", "platform selector (default: any)")
			flags.StringVarP(&outPath, "output", "o", "", "write the payload to this file instead of stdout")
			return flags
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: resource get <id> [flags]")
			}
			id, err := resource.ParseID(args[0])
			if err != nil {
				return err
			}
			tag, err := parsePlatform(platformFlag)
			if err != nil {
				return err
			}

			session, err := conn.Session()
			if err != nil {
				return err
			}
			defer session.Close()

			pipeline, err := session.Pipeline()
			if err != nil {
				return err
			}
			rec, payload, err := pipeline.EnsureCompiled(ctx, id, tag)
			if err != nil {
				return err
			}
			defer payload.Close()

			if err := writePayload(outPath, payload); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "%s (%d bytes, source counter %d)\n", rec.Key, rec.Size, rec.SourceCounter)
			return nil
		},
	}
}

// parsePlatform reads a selector flag value, mapping empty to TagAny.
func parsePlatform(s string) (platform.Tag, error) {
	if s == "" {
		return platform.TagAny, nil
	}
	return platform.Parse(s)
}

// printCompiledRecord renders an artifact record as aligned text lines.
func printCompiledRecord(rec *compiled.Record) {
	fmt.Printf("key:          %s\n", rec.Key)
	fmt.Printf("platform:     %s\n", rec.Key.Platform)
	fmt.Printf("size:         %d\n", rec.Size)
	fmt.Printf("compression:  %s\n", rec.Compression)
	fmt.Printf("counter:      %d\n", rec.SourceCounter)
	fmt.Printf("source hash:  %s\n", rec.SourceHash)
	if rec.CreatedAt != 0 {
		fmt.Printf("created:      %s\n", time.Unix(rec.CreatedAt, 0).UTC().Format(time.RFC3339))
	}
}
