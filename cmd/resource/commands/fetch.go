// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/quarry-build/quarry/cmd/resource/cli"
	"github.com/quarry-build/quarry/lib/resource"
)

// FetchCommand returns the "fetch" subcommand: write a resource's
// source payload to stdout or a file.
func FetchCommand() *cli.Command {
	var conn cli.Connection
	var outPath string

	return &cli.Command{
		Name:    "fetch",
		Summary: "Fetch a resource's source payload",
		Description: `Fetch streams the raw source payload to stdout, or to a file with -o.
Record metadata goes to stderr so the payload stays pipeable.`,
		Usage: "resource fetch <id> [flags]",
		Examples: []cli.Example{
			{
				Description: "Pipe a stored shader into a pager",
				Command:     "resource fetch 7b09ad3e-5c4e-4f0e-9d3a-2f6f3f1c8b7a | less",
			},
			{
				Description: "Write the payload to a file",
				Command:     "resource fetch 7b09ad3e-5c4e-4f0e-9d3a-2f6f3f1c8b7a -o stone.png",
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("fetch", pflag.ContinueOnError)
			conn.AddFlags(flags)
			flags.StringVarP(&outPath, "output", "o", "", "write the payload to this file instead of stdout")
			return flags
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: resource fetch <id> [flags]")
			}
			id, err := resource.ParseID(args[0])
			if err != nil {
				return err
			}

			session, err := conn.Session()
			if err != nil {
				return err
			}
			defer session.Close()

			backend, err := session.Backend(ctx, id)
			if err != nil {
				return err
			}
			rec, payload, err := backend.Fetch(ctx, id)
			if err != nil {
				return err
			}
			defer payload.Close()

			if err := writePayload(outPath, payload); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "%s (%d bytes, counter %d)\n", rec.Name(), rec.PayloadSize, rec.Counter)
			return nil
		},
	}
}

// writePayload copies r to the named file, or to stdout when path is
// empty.
func writePayload(path string, r io.Reader) error {
	if path == "" {
		_, err := io.Copy(os.Stdout, r)
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
