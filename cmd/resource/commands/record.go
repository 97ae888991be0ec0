// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/pflag"

	"github.com/quarry-build/quarry/cmd/resource/cli"
	"github.com/quarry-build/quarry/lib/platform"
	"github.com/quarry-build/quarry/lib/resource"
	"github.com/quarry-build/quarry/lib/source"
)

// RecordCommand returns the "record" subcommand: print one source
// record without its payload.
func RecordCommand() *cli.Command {
	var conn cli.Connection
	var jsonOut bool

	return &cli.Command{
		Name:    "record",
		Summary: "Print a resource's source record",
		Description: `Record prints the metadata of one source resource: properties, payload
size, content hash, change counter, and dependencies. The payload
itself is not fetched; use "resource fetch" for that.`,
		Usage: "resource record <id> [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("record", pflag.ContinueOnError)
			conn.AddFlags(flags)
			flags.BoolVar(&jsonOut, "json", false, "print the record as JSON")
			return flags
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: resource record <id> [flags]")
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
			rec, err := backend.FetchRecord(ctx, id)
			if err != nil {
				return err
			}

			if jsonOut {
				return cli.WriteJSON(rec)
			}
			printRecord(rec)
			return nil
		},
	}
}

// SetCommand returns the "set" subcommand: set one property.
func SetCommand() *cli.Command {
	var conn cli.Connection
	var jsonOut bool

	return &cli.Command{
		Name:    "set",
		Summary: "Set a property on a resource",
		Description: `Set writes one property on a resource's source record. The change
counter moves only when the value actually changes; setting a property
to its current value is free.`,
		Usage: "resource set <id> <key> <value> [flags]",
		Examples: []cli.Example{
			{
				Description: "Retarget a resource at a different compiler",
				Command:     "resource set 7b09ad3e-5c4e-4f0e-9d3a-2f6f3f1c8b7a type shader",
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("set", pflag.ContinueOnError)
			conn.AddFlags(flags)
			flags.BoolVar(&jsonOut, "json", false, "print the updated record as JSON")
			return flags
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 3 {
				return fmt.Errorf("usage: resource set <id> <key> <value> [flags]")
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
			rec, err := backend.SetProperty(ctx, id, args[1], args[2])
			if err != nil {
				return err
			}

			if jsonOut {
				return cli.WriteJSON(rec)
			}
			printRecord(rec)
			return nil
		},
	}
}

// UnsetCommand returns the "unset" subcommand: remove one property.
func UnsetCommand() *cli.Command {
	var conn cli.Connection
	var jsonOut bool

	return &cli.Command{
		Name:    "unset",
		Summary: "Remove a property from a resource",
		Usage:   "resource unset <id> <key> [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("unset", pflag.ContinueOnError)
			conn.AddFlags(flags)
			flags.BoolVar(&jsonOut, "json", false, "print the updated record as JSON")
			return flags
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("usage: resource unset <id> <key> [flags]")
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
			rec, err := backend.UnsetProperty(ctx, id, args[1])
			if err != nil {
				return err
			}

			if jsonOut {
				return cli.WriteJSON(rec)
			}
			printRecord(rec)
			return nil
		},
	}
}

// DeleteCommand returns the "delete" subcommand: remove a resource.
func DeleteCommand() *cli.Command {
	var conn cli.Connection

	return &cli.Command{
		Name:    "delete",
		Summary: "Delete a resource and its payload",
		Usage:   "resource delete <id> [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("delete", pflag.ContinueOnError)
			conn.AddFlags(flags)
			return flags
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: resource delete <id> [flags]")
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
			if err := backend.Delete(ctx, id); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", id)
			return nil
		},
	}
}

// printRecord renders a source record as aligned text lines.
func printRecord(rec *source.Record) {
	fmt.Printf("id:       %s\n", rec.ID)
	fmt.Printf("name:     %s\n", rec.Name())
	if typ := rec.Type(); typ != "" {
		fmt.Printf("type:     %s\n", typ)
	}
	fmt.Printf("size:     %d\n", rec.PayloadSize)
	fmt.Printf("hash:     %s\n", rec.Hash)
	fmt.Printf("counter:  %d\n", rec.Counter)
	if len(rec.Dependencies) > 0 {
		fmt.Printf("deps:\n")
		for _, dep := range rec.Dependencies {
			if dep.Platform == platform.TagAny {
				fmt.Printf("  %s\n", dep.ID)
			} else {
				fmt.Printf("  %s  %s\n", dep.ID, dep.Platform)
			}
		}
	}
	extra := make([]string, 0, len(rec.Properties))
	for key := range rec.Properties {
		if key == source.PropName || key == source.PropType {
			continue
		}
		extra = append(extra, key)
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		fmt.Printf("properties:\n")
		for _, key := range extra {
			fmt.Printf("  %s: %s\n", key, rec.Properties[key])
		}
	}
}
