// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/spf13/pflag"

	"github.com/quarry-build/quarry/cmd/resource/cli"
	"github.com/quarry-build/quarry/lib/importer"
	"github.com/quarry-build/quarry/lib/resource"
	"github.com/quarry-build/quarry/lib/source"
	"github.com/quarry-build/quarry/lib/stream"
)

// StoreCommand returns the "store" subcommand: one file's bytes stored
// as a source resource.
func StoreCommand() *cli.Command {
	var conn cli.Connection
	var idFlag string
	var name string
	var typ string
	var props []string
	var jsonOut bool

	return &cli.Command{
		Name:    "store",
		Summary: "Store a file as a source resource",
		Description: `Store reads a file and writes its bytes as the source payload of a
resource, stamping the name and type properties that later select a
compiler. Without --id the identifier is derived from the file path,
so storing the same file twice updates the same resource. Storing
identical content is free: the change counter only moves when the
canonical content actually changes.`,
		Usage: "resource store <file> [flags]",
		Examples: []cli.Example{
			{
				Description: "Store a shader with an explicit type",
				Command:     "resource store shaders/blur.glsl --type shader --store ./store",
			},
			{
				Description: "Attach custom properties",
				Command:     "resource store stone.png --type texture --prop mipmaps=true --prop srgb=true",
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("store", pflag.ContinueOnError)
			conn.AddFlags(flags)
			flags.StringVar(&idFlag, "id", "", "store under this identifier instead of the path-derived one")
			flags.StringVar(&name, "name", "", "name property (default: the file path, extension trimmed)")
			flags.StringVar(&typ, "type", "", "type property; selects the compiler")
			flags.StringArrayVar(&props, "prop", nil, "extra property as key=value (repeatable)")
			flags.BoolVar(&jsonOut, "json", false, "print the stored record as JSON")
			return flags
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: resource store <file> [flags]")
			}
			file := args[0]

			id := importer.PathID(file)
			if idFlag != "" {
				parsed, err := resource.ParseID(idFlag)
				if err != nil {
					return err
				}
				id = parsed
			}

			properties, err := parseProperties(props)
			if err != nil {
				return err
			}
			if name == "" {
				canonical := importer.CanonicalPath(file)
				name = strings.TrimSuffix(canonical, path.Ext(canonical))
			}
			properties[source.PropName] = name
			if typ != "" {
				properties[source.PropType] = typ
			}

			payload, err := stream.FromFile(file)
			if err != nil {
				return err
			}
			defer payload.Close()

			session, err := conn.Session()
			if err != nil {
				return err
			}
			defer session.Close()

			backend, err := session.DefaultBackend()
			if err != nil {
				return err
			}
			rec, err := backend.Store(ctx, id, properties, payload)
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

// parseProperties turns repeated key=value flags into a property map.
func parseProperties(pairs []string) (map[string]string, error) {
	properties := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("property %q: want key=value", pair)
		}
		properties[key] = value
	}
	return properties, nil
}
