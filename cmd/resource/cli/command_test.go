// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func TestCommand_Execute_DispatchesToSubcommand(t *testing.T) {
	var called string

	root := &Command{
		Name: "resource",
		Subcommands: []*Command{
			{
				Name: "version",
				Run: func(_ context.Context, args []string) error {
					called = "version"
					return nil
				},
			},
			{
				Name: "bundle",
				Run: func(_ context.Context, args []string) error {
					called = "bundle"
					return nil
				},
			},
		},
	}

	if err := root.Execute(context.Background(), []string{"bundle"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if called != "bundle" {
		t.Errorf("dispatched to %q, want %q", called, "bundle")
	}
}

func TestCommand_Execute_NestedSubcommands(t *testing.T) {
	var called string
	var receivedArgs []string

	root := &Command{
		Name: "resource",
		Subcommands: []*Command{
			{
				Name: "bundle",
				Subcommands: []*Command{
					{
						Name: "create",
						Run: func(_ context.Context, args []string) error {
							called = "bundle create"
							receivedArgs = args
							return nil
						},
					},
				},
			},
		},
	}

	if err := root.Execute(context.Background(), []string{"bundle", "create", "out.qbn"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if called != "bundle create" {
		t.Errorf("dispatched to %q, want %q", called, "bundle create")
	}
	if len(receivedArgs) != 1 || receivedArgs[0] != "out.qbn" {
		t.Errorf("args = %v, want [out.qbn]", receivedArgs)
	}
}

func TestCommand_Execute_FlagParsing(t *testing.T) {
	var remote string
	var target string

	command := &Command{
		Name: "fetch",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("fetch", pflag.ContinueOnError)
			flagSet.StringVar(&remote, "remote", "127.0.0.1:7227", "sourced endpoint")
			return flagSet
		},
		Run: func(_ context.Context, args []string) error {
			if len(args) > 0 {
				target = args[0]
			}
			return nil
		},
	}

	if err := command.Execute(context.Background(), []string{"--remote", "10.0.0.8:7227", "7b09ad3e-5c4e-4f0e-9d3a-2f6f3f1c8b7a"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if remote != "10.0.0.8:7227" {
		t.Errorf("remote = %q, want %q", remote, "10.0.0.8:7227")
	}
	if target != "7b09ad3e-5c4e-4f0e-9d3a-2f6f3f1c8b7a" {
		t.Errorf("target = %q, want the id argument", target)
	}
}

func TestCommand_Execute_ContextThreaded(t *testing.T) {
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "present")

	var got any
	root := &Command{
		Name: "resource",
		Subcommands: []*Command{
			{
				Name: "watch",
				Run: func(ctx context.Context, args []string) error {
					got = ctx.Value(key{})
					return nil
				},
			},
		},
	}

	if err := root.Execute(ctx, []string{"watch"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if got != "present" {
		t.Error("context not threaded through dispatch to Run")
	}
}

func TestCommand_Execute_UnknownFlagSuggestion(t *testing.T) {
	command := &Command{
		Name: "watch",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("watch", pflag.ContinueOnError)
			flagSet.Bool("verbose", false, "log connection activity")
			flagSet.String("remote", "", "sourced endpoint")
			return flagSet
		},
		Run: func(_ context.Context, args []string) error { return nil },
	}

	err := command.Execute(context.Background(), []string{"--remoet"})
	if err == nil {
		t.Fatal("Execute() = nil, want error for unknown flag")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "did you mean --remote") {
		t.Errorf("error = %q, want suggestion for '--remote'", errStr)
	}
	// Suggestion should be on the same line as the error, not buried.
	if !strings.Contains(errStr, "remoet") {
		t.Errorf("error = %q, should mention the bad flag", errStr)
	}
	// Should include a pointer to --help.
	if !strings.Contains(errStr, "--help") {
		t.Errorf("error = %q, should point to --help", errStr)
	}
}

func TestCommand_Execute_UnknownFlagNoSuggestion(t *testing.T) {
	command := &Command{
		Name: "watch",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("watch", pflag.ContinueOnError)
			flagSet.Bool("verbose", false, "log connection activity")
			return flagSet
		},
		Run: func(_ context.Context, args []string) error { return nil },
	}

	err := command.Execute(context.Background(), []string{"--zzzzzzzzz"})
	if err == nil {
		t.Fatal("Execute() = nil, want error for unknown flag")
	}
	if strings.Contains(err.Error(), "did you mean") {
		t.Errorf("error = %q, should not suggest for distant flag", err.Error())
	}
	if !strings.Contains(err.Error(), "--help") {
		t.Errorf("error = %q, should point to --help", err.Error())
	}
}

func TestCommand_Execute_UnknownSubcommandSuggestion(t *testing.T) {
	root := &Command{
		Name: "resource",
		Subcommands: []*Command{
			{Name: "store"},
			{Name: "bundle"},
			{Name: "version"},
		},
	}

	err := root.Execute(context.Background(), []string{"bundel"})
	if err == nil {
		t.Fatal("Execute() = nil, want error for unknown subcommand")
	}
	if !strings.Contains(err.Error(), "did you mean \"bundle\"") {
		t.Errorf("error = %q, want suggestion for 'bundle'", err.Error())
	}
}

func TestCommand_Execute_UnknownSubcommandNoSuggestion(t *testing.T) {
	root := &Command{
		Name: "resource",
		Subcommands: []*Command{
			{Name: "store"},
			{Name: "bundle"},
		},
	}

	err := root.Execute(context.Background(), []string{"zzzzzzz"})
	if err == nil {
		t.Fatal("Execute() = nil, want error for unknown subcommand")
	}
	if strings.Contains(err.Error(), "did you mean") {
		t.Errorf("error = %q, should not contain suggestion for distant input", err.Error())
	}
}

func TestCommand_Execute_HelpFlag(t *testing.T) {
	for _, helpArg := range []string{"-h", "--help", "help"} {
		t.Run(helpArg, func(t *testing.T) {
			root := &Command{
				Name:    "resource",
				Summary: "Quarry resource pipeline",
				Subcommands: []*Command{
					{Name: "bundle", Summary: "Pack and unpack bundles"},
				},
			}

			err := root.Execute(context.Background(), []string{helpArg})
			if err != nil {
				t.Errorf("Execute(%q) error: %v", helpArg, err)
			}
		})
	}
}

func TestCommand_Execute_NoArgsShowsHelp(t *testing.T) {
	root := &Command{
		Name: "resource",
		Subcommands: []*Command{
			{Name: "bundle", Summary: "Pack and unpack bundles"},
		},
	}

	err := root.Execute(context.Background(), []string{})
	if err == nil {
		t.Fatal("Execute() = nil, want error for missing subcommand")
	}
	if !strings.Contains(err.Error(), "subcommand required") {
		t.Errorf("error = %q, want 'subcommand required'", err.Error())
	}
}

func TestCommand_PrintHelp(t *testing.T) {
	command := &Command{
		Name:        "resource",
		Description: "Quarry resource pipeline.",
		Subcommands: []*Command{
			{Name: "store", Summary: "Store a file as a source resource"},
			{Name: "bundle", Summary: "Pack, inspect, and unpack artifact bundles"},
			{Name: "version", Summary: "Print version information"},
		},
		Examples: []Example{
			{
				Description: "Store a texture in the local store",
				Command:     "resource store assets/stone.png --store ./store",
			},
			{
				Description: "Follow changes from a sourced daemon",
				Command:     "resource watch --remote 127.0.0.1:7227",
			},
		},
	}

	var buffer bytes.Buffer
	command.PrintHelp(&buffer)
	output := buffer.String()

	// Verify structural elements are present.
	for _, want := range []string{
		"Quarry resource pipeline.",
		"Usage:",
		"resource <command> [flags]",
		"Commands:",
		"store",
		"Store a file as a source resource",
		"bundle",
		"Pack, inspect, and unpack artifact bundles",
		"Examples:",
		"resource store assets/stone.png",
		"resource watch --remote",
		"Run 'resource <command> --help'",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("help output missing %q\n\nFull output:\n%s", want, output)
		}
	}
}

func TestCommand_PrintHelp_WithFlags(t *testing.T) {
	command := &Command{
		Name:    "watch",
		Summary: "Stream change events to stdout",
		Usage:   "resource watch [<id>...] [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("watch", pflag.ContinueOnError)
			flagSet.String("remote", "", "sourced endpoint")
			flagSet.Bool("verbose", false, "log connection activity")
			return flagSet
		},
	}

	var buffer bytes.Buffer
	command.PrintHelp(&buffer)
	output := buffer.String()

	for _, want := range []string{
		"resource watch [<id>...] [flags]",
		"Flags:",
		"remote",
		"verbose",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("help output missing %q\n\nFull output:\n%s", want, output)
		}
	}
}

func TestCommand_FullName(t *testing.T) {
	root := &Command{Name: "resource"}
	bundleCmd := &Command{Name: "bundle", parent: root}
	create := &Command{Name: "create", parent: bundleCmd}

	if got := root.fullName(); got != "resource" {
		t.Errorf("root.fullName() = %q, want %q", got, "resource")
	}
	if got := bundleCmd.fullName(); got != "resource bundle" {
		t.Errorf("bundleCmd.fullName() = %q, want %q", got, "resource bundle")
	}
	if got := create.fullName(); got != "resource bundle create" {
		t.Errorf("create.fullName() = %q, want %q", got, "resource bundle create")
	}
}
