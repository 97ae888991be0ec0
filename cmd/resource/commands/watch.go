// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/quarry-build/quarry/cmd/resource/cli"
	"github.com/quarry-build/quarry/lib/change"
	"github.com/quarry-build/quarry/lib/event"
	"github.com/quarry-build/quarry/lib/platform"
	"github.com/quarry-build/quarry/lib/resource"
)

// WatchCommand returns the "watch" subcommand: stream change events to
// stdout until interrupted.
func WatchCommand() *cli.Command {
	var conn cli.Connection

	return &cli.Command{
		Name:    "watch",
		Summary: "Stream change events to stdout",
		Description: `Watch subscribes to the source backend's change feed and prints one
line per event: kind, identifier, counter, and platform when the event
carries one. With identifier arguments only those resources are
watched; without, everything.

A "resync" line means the subscription fell behind and events were
dropped; re-read whatever state matters and continue. Watch exits 2
when the feed ends without being asked to, which usually means the
daemon went away.`,
		Usage: "resource watch [<id>...] [flags]",
		Examples: []cli.Example{
			{
				Description: "Watch everything on a sourced daemon",
				Command:     "resource watch --remote 127.0.0.1:7227",
			},
			{
				Description: "Watch one resource",
				Command:     "resource watch 7b09ad3e-5c4e-4f0e-9d3a-2f6f3f1c8b7a --remote 127.0.0.1:7227",
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("watch", pflag.ContinueOnError)
			conn.AddFlags(flags)
			return flags
		},
		Run: func(ctx context.Context, args []string) error {
			ids := make([]resource.ID, 0, len(args))
			for _, arg := range args {
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

			backend, err := session.DefaultBackend()
			if err != nil {
				return err
			}
			sub := backend.Events().Subscribe(event.SubscribeOptions{IDs: ids})
			defer sub.Close()

			for {
				select {
				case <-ctx.Done():
					return nil
				case e, ok := <-sub.C:
					if !ok {
						return &cli.ExitError{Code: 2}
					}
					printEvent(e)
				}
			}
		},
	}
}

// printEvent renders one change event as a single stdout line.
func printEvent(e change.Event) {
	if e.Kind == change.Resync {
		fmt.Println("resync")
		return
	}
	if e.Platform != platform.TagAny {
		fmt.Printf("%s %s counter=%d platform=%s\n", e.Kind, e.ID, e.Counter, e.Platform)
		return
	}
	fmt.Printf("%s %s counter=%d\n", e.Kind, e.ID, e.Counter)
}
