// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/quarry-build/quarry/cmd/resource/cli"
	"github.com/quarry-build/quarry/lib/bundle"
	"github.com/quarry-build/quarry/lib/resource"
	"github.com/quarry-build/quarry/lib/stream"
)

// BundleCommand returns the "bundle" subcommand group: pack compiled
// artifacts into a single file, inspect one, and unpack one into the
// local cache.
func BundleCommand() *cli.Command {
	return &cli.Command{
		Name:    "bundle",
		Summary: "Pack, inspect, and unpack artifact bundles",
		Description: `A bundle is a single file holding compiled artifacts with their
records, digest-verified on read. Bundles ship precompiled resources
to machines that never compile: unpack seeds the local cache, and the
pipeline then serves every bundled resource without source access.`,
		Subcommands: []*cli.Command{
			bundleCreateCommand(),
			bundleListCommand(),
			bundleUnpackCommand(),
		},
	}
}

func bundleCreateCommand() *cli.Command {
	var conn cli.Connection
	var platformFlag string

	return &cli.Command{
		Name:    "create",
		Summary: "Compile resources and pack them into a bundle",
		Description: `Create ensures every named resource is compiled for the selected
platform, then packs the artifacts into a bundle file in argument
order. A resource listed twice is an error.`,
		Usage: "resource bundle create <out> <id>... [flags]",
		Examples: []cli.Example{
			{
				Description: "Bundle two resources for the web",
				Command:     "resource bundle create web.qbn 7b09ad3e-5c4e-4f0e-9d3a-2f6f3f1c8b7a 41c2f900-88e1-4c5f-a8e2-09d51b1f2f10 --platform web",
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("create", pflag.ContinueOnError)
			conn.AddFlags(flags)
			flags.StringVar(&platformFlag, "platform", "", "platform selector applied to every resource")
			return flags
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) < 2 {
				return fmt.Errorf("usage: resource bundle create <out> <id>... [flags]")
			}
			outPath := args[0]
			tag, err := parsePlatform(platformFlag)
			if err != nil {
				return err
			}

			ids := make([]resource.ID, 0, len(args)-1)
			for _, arg := range args[1:] {
				id, err := resource.ParseID(arg)
				if err != nil {
					return err
				}
				ids = append(ids, id)
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

			writer := bundle.NewWriter()
			for _, id := range ids {
				rec, payload, err := pipeline.EnsureCompiled(ctx, id, tag)
				if err != nil {
					return fmt.Errorf("compiling %s: %w", id, err)
				}
				data, err := stream.ReadAll(payload)
				if err != nil {
					return fmt.Errorf("reading %s: %w", id, err)
				}
				if err := writer.Add(rec, data); err != nil {
					return err
				}
			}

			out, err := os.Create(outPath)
			if err != nil {
				return err
			}
			written, err := writer.Flush(out)
			if err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}

			fmt.Printf("wrote %d artifacts (%d bytes) to %s\n", writer.Len(), written, outPath)
			return nil
		},
	}
}

func bundleListCommand() *cli.Command {
	var jsonOut bool

	return &cli.Command{
		Name:    "list",
		Summary: "List the artifacts in a bundle",
		Usage:   "resource bundle list <file> [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("list", pflag.ContinueOnError)
			flags.BoolVar(&jsonOut, "json", false, "print entries as JSON")
			return flags
		},
		Run: func(_ context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: resource bundle list <file> [flags]")
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			reader, err := bundle.Open(f)
			if err != nil {
				return err
			}
			entries := reader.Entries()

			if jsonOut {
				return cli.WriteJSON(entries)
			}
			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPLATFORM\tVERSION\tCOUNTER\tSIZE")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n",
					e.Key.ID, e.Key.Platform, e.Key.Version, e.SourceCounter, e.Size)
			}
			return tw.Flush()
		},
	}
}

func bundleUnpackCommand() *cli.Command {
	var conn cli.Connection

	return &cli.Command{
		Name:    "unpack",
		Summary: "Unpack a bundle into the local artifact cache",
		Description: `Unpack verifies every entry's digest and stores the artifacts in the
local compiled cache, where the pipeline finds them like any other
cached artifact.`,
		Usage: "resource bundle unpack <file> [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("unpack", pflag.ContinueOnError)
			conn.AddFlags(flags)
			return flags
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: resource bundle unpack <file> [flags]")
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			reader, err := bundle.Open(f)
			if err != nil {
				return err
			}

			session, err := conn.Session()
			if err != nil {
				return err
			}
			defer session.Close()

			cache, err := session.LocalCache()
			if err != nil {
				return err
			}
			if err := reader.Unpack(ctx, cache); err != nil {
				return err
			}
			fmt.Printf("unpacked %d artifacts into %s\n", len(reader.Entries()), session.Config().Cache.Root)
			return nil
		},
	}
}
