package schema

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type CommandSchema struct {
	Path        string          `json:"path"`
	Use         string          `json:"use"`
	Short       string          `json:"short"`
	Args        []string        `json:"args,omitempty"`
	Runnable    bool            `json:"runnable"`
	Aliases     []string        `json:"aliases,omitempty"`
	Flags       []FlagSchema    `json:"flags,omitempty"`
	Subcommands []CommandSchema `json:"subcommands,omitempty"`
}

type FlagSchema struct {
	Name      string `json:"name"`
	Shorthand string `json:"shorthand,omitempty"`
	Type      string `json:"type"`
	Usage     string `json:"usage"`
	Default   string `json:"default,omitempty"`
	Required  bool   `json:"required,omitempty"`
}

func Build(root *cobra.Command, commandPath string) (CommandSchema, error) {
	cmd, err := Find(root, commandPath)
	if err != nil {
		return CommandSchema{}, err
	}
	return serialize(cmd), nil
}

// Find walks commandPath (space separated, aliases allowed) from root.
func Find(root *cobra.Command, commandPath string) (*cobra.Command, error) {
	cmd := root
	for _, p := range strings.Fields(commandPath) {
		next := child(cmd, p)
		if next == nil {
			return nil, fmt.Errorf("command not found: %s", commandPath)
		}
		cmd = next
	}
	return cmd, nil
}

func child(cmd *cobra.Command, name string) *cobra.Command {
	for _, c := range cmd.Commands() {
		if c.Name() == name || contains(c.Aliases, name) {
			return c
		}
	}
	return nil
}

func serialize(cmd *cobra.Command) CommandSchema {
	s := CommandSchema{
		Path:     strings.TrimSpace(cmd.CommandPath()),
		Use:      cmd.Use,
		Short:    cmd.Short,
		Args:     positionalArgs(cmd.Use),
		Runnable: cmd.Runnable(),
		Aliases:  cmd.Aliases,
		Flags:    collectFlags(cmd),
	}

	for _, sub := range cmd.Commands() {
		if sub.Hidden || sub.Name() == "help" || sub.Name() == "completion" {
			continue
		}
		s.Subcommands = append(s.Subcommands, serialize(sub))
	}
	return s
}

// positionalArgs extracts "<name>" and "[name]" placeholders from a Use line.
func positionalArgs(use string) []string {
	fields := strings.Fields(use)
	if len(fields) <= 1 {
		return nil
	}
	var out []string
	for _, f := range fields[1:] {
		if strings.HasPrefix(f, "<") || strings.HasPrefix(f, "[") {
			out = append(out, strings.Trim(f, "<>[]"))
		}
	}
	return out
}

func collectFlags(cmd *cobra.Command) []FlagSchema {
	items := []FlagSchema{}
	cmd.NonInheritedFlags().VisitAll(func(f *pflag.Flag) {
		if f.Hidden {
			return
		}
		_, required := f.Annotations[cobra.BashCompOneRequiredFlag]
		items = append(items, FlagSchema{
			Name:      f.Name,
			Shorthand: f.Shorthand,
			Type:      f.Value.Type(),
			Usage:     f.Usage,
			Default:   f.DefValue,
			Required:  required,
		})
	})
	return items
}

func contains(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}
