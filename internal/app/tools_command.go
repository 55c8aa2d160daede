package app

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/spf13/cobra"

	clierr "github.com/ggonzalez94/defi-yield/internal/errors"
	"github.com/ggonzalez94/defi-yield/internal/policy"
	"github.com/ggonzalez94/defi-yield/internal/tools"
)

func (s *runtimeState) newToolsCommand() *cobra.Command {
	root := &cobra.Command{Use: "tools", Short: "Tool definitions and JSON tool calls for agent callers"}
	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print tool names, descriptions and input schemas",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), tools.Definitions(), nil, cacheMetaBypass(), nil, false)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "call <name> [json]",
		Short: "Invoke a tool with JSON arguments (read from stdin when omitted or '-')",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s.resetCommandDiagnostics()
			name := strings.TrimSpace(args[0])
			if err := policy.CheckToolAllowed(s.settings.EnableCommands, name); err != nil {
				return err
			}
			raw, err := s.toolArgs(args)
			if err != nil {
				return err
			}
			p, err := s.pipeline()
			if err != nil {
				return err
			}
			ctx, cancel := s.requestContext()
			defer cancel()
			res := p.tools.Dispatch(ctx, name, raw)
			if !res.OK {
				return res.Err()
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), res.Data, nil, cacheMetaBypass(), nil, false)
		},
	})
	return root
}

func (s *runtimeState) toolArgs(args []string) (json.RawMessage, error) {
	if len(args) == 2 && args[1] != "-" {
		return json.RawMessage(args[1]), nil
	}
	buf, err := io.ReadAll(io.LimitReader(s.runner.stdin, maxSessionLine))
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "read tool arguments", err)
	}
	return json.RawMessage(buf), nil
}
