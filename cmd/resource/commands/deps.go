// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/pflag"

	"github.com/quarry-build/quarry/cmd/resource/cli"
	"github.com/quarry-build/quarry/lib/platform"
	"github.com/quarry-build/quarry/lib/resource"
	"github.com/quarry-build/quarry/lib/source"
)

// DepsCommand returns the "deps" subcommand: show or replace a
// resource's dependency list.
func DepsCommand() *cli.Command {
	var conn cli.Connection
	var setList string
	var reverse bool
	var jsonOut bool

	// Kept so Run can ask Changed("set"): an explicit empty --set clears
	// the list, which a plain value check cannot distinguish from unset.
	var flagSet *pflag.FlagSet

	return &cli.Command{
		Name:    "deps",
		Summary: "Show or replace a resource's dependencies",
		Description: `Deps prints the dependency edges of a resource: the resources that
must compile before it, each with an optional platform selector.

With --set the list is replaced wholesale. The value is a
comma-separated list of id or id:platform entries; an empty value
clears the list. Dependencies are derivation metadata, not content,
so replacing them does not move the change counter.

With --reverse the command prints the resources that depend on the
given one instead.`,
		Usage: "resource deps <id> [flags]",
		Examples: []cli.Example{
			{
				Description: "Make a material depend on two textures",
				Command:     "resource deps 7b09ad3e-5c4e-4f0e-9d3a-2f6f3f1c8b7a --set 41c2f900-88e1-4c5f-a8e2-09d51b1f2f10,9d26cc01-3d5a-47b7-9f45-6f0c2f4f7a11",
			},
			{
				Description: "Pin a dependency to a platform family",
				Command:     "resource deps 7b09ad3e-5c4e-4f0e-9d3a-2f6f3f1c8b7a --set 41c2f900-88e1-4c5f-a8e2-09d51b1f2f10:linux",
			},
			{
				Description: "Who depends on this texture?",
				Command:     "resource deps 41c2f900-88e1-4c5f-a8e2-09d51b1f2f10 --reverse",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet = pflag.NewFlagSet("deps", pflag.ContinueOnError)
			conn.AddFlags(flagSet)
			flagSet.StringVar(&setList, "set", "", "replace the dependency list (comma-separated id or id:platform; empty clears)")
			flagSet.BoolVar(&reverse, "reverse", false, "print resources that depend on this one")
			flagSet.BoolVar(&jsonOut, "json", false, "print as JSON")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: resource deps <id> [flags]")
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

			if reverse {
				owners, err := backend.ReverseDependencies(ctx, id)
				if err != nil {
					return err
				}
				if jsonOut {
					return cli.WriteJSON(owners)
				}
				for _, owner := range owners {
					fmt.Println(owner)
				}
				return nil
			}

			var rec *source.Record
			if flagSet.Changed("set") {
				deps, err := parseDependencies(setList)
				if err != nil {
					return err
				}
				rec, err = backend.SetDependencies(ctx, id, deps)
				if err != nil {
					return err
				}
			} else {
				rec, err = backend.FetchRecord(ctx, id)
				if err != nil {
					return err
				}
			}

			if jsonOut {
				return cli.WriteJSON(rec.Dependencies)
			}
			for _, dep := range rec.Dependencies {
				if dep.Platform == platform.TagAny {
					fmt.Println(dep.ID)
				} else {
					fmt.Printf("%s %s\n", dep.ID, dep.Platform)
				}
			}
			return nil
		},
	}
}

// parseDependencies reads a comma-separated list of id or id:platform
// entries. Platform selectors contain colons of their own, so only the
// first colon separates the identifier.
func parseDependencies(list string) ([]source.Dependency, error) {
	if list == "" {
		return nil, nil
	}
	var deps []source.Dependency
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		idPart, tagPart, _ := strings.Cut(entry, ":")
		id, err := resource.ParseID(idPart)
		if err != nil {
			return nil, fmt.Errorf("dependency %q: %w", entry, err)
		}
		dep := source.Dependency{ID: id}
		if tagPart != "" {
			tag, err := platform.Parse(tagPart)
			if err != nil {
				return nil, fmt.Errorf("dependency %q: %w", entry, err)
			}
			dep.Platform = tag
		}
		deps = append(deps, dep)
	}
	return deps, nil
}
