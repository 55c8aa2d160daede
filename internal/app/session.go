package app

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ggonzalez94/defi-yield/internal/conversation"
	clierr "github.com/ggonzalez94/defi-yield/internal/errors"
	"github.com/ggonzalez94/defi-yield/internal/model"
	"github.com/ggonzalez94/defi-yield/internal/policy"
	"github.com/ggonzalez94/defi-yield/internal/tools"
)

const maxSessionLine = 1 << 20

const (
	actionStart   = "start"
	actionAdvance = "advance"
	actionReset   = "reset"
	actionAbandon = "abandon"
	actionQuick   = "quick"
	actionTool    = "tool"
)

// sessionRequest is one line of session input.
type sessionRequest struct {
	ID        string                     `json:"id,omitempty"`
	SessionID string                     `json:"session_id,omitempty"`
	Action    string                     `json:"action"`
	Input     conversation.Input         `json:"input,omitempty"`
	Quick     *conversation.QuickRequest `json:"quick,omitempty"`
	Tool      string                     `json:"tool,omitempty"`
	Args      json.RawMessage            `json:"args,omitempty"`
}

type sessionResponse struct {
	ID        string              `json:"id,omitempty"`
	SessionID string              `json:"session_id,omitempty"`
	OK        bool                `json:"ok"`
	Reply     *conversation.Reply `json:"reply,omitempty"`
	Result    *tools.Result       `json:"result,omitempty"`
	Error     *model.ErrorBody    `json:"error,omitempty"`
}

func (s *runtimeState) newSessionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "session",
		Short: "Drive conversations over JSON lines on stdin, one response line per request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := s.pipeline()
			if err != nil {
				return err
			}
			return s.serveSession(p, s.runner.stdin, cmd.OutOrStdout())
		},
	}
}

func (s *runtimeState) serveSession(p *pipeline, in io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxSessionLine)
	enc := json.NewEncoder(w)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var req sessionRequest
		dec := json.NewDecoder(strings.NewReader(line))
		dec.DisallowUnknownFields()
		var resp sessionResponse
		if err := dec.Decode(&req); err != nil {
			resp = sessionFailure(req, clierr.Wrap(clierr.CodeUsage, "invalid session request", err))
		} else {
			resp = s.handleSessionRequest(p, req)
		}
		if err := enc.Encode(resp); err != nil {
			return clierr.Wrap(clierr.CodeInternal, "write session response", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return clierr.Wrap(clierr.CodeUsage, "read session input", err)
	}
	return nil
}

func (s *runtimeState) handleSessionRequest(p *pipeline, req sessionRequest) sessionResponse {
	ctx, cancel := s.requestContext()
	defer cancel()
	manager := p.conversations

	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case actionStart:
		sid := manager.Start()
		s.logger.Debug("session started", "session", sid)
		return sessionResponse{ID: req.ID, SessionID: sid, OK: true}
	case actionAdvance:
		if req.SessionID == "" {
			req.SessionID = manager.Start()
		}
		reply, err := manager.Advance(ctx, req.SessionID, req.Input)
		if err != nil {
			return sessionFailure(req, err)
		}
		return sessionReply(req, reply)
	case actionReset:
		if err := manager.Reset(req.SessionID); err != nil {
			return sessionFailure(req, err)
		}
		return sessionResponse{ID: req.ID, SessionID: req.SessionID, OK: true}
	case actionAbandon:
		manager.Abandon(req.SessionID)
		return sessionResponse{ID: req.ID, SessionID: req.SessionID, OK: true}
	case actionQuick:
		if req.Quick == nil {
			return sessionFailure(req, clierr.New(clierr.CodeUsage, "quick request body is required"))
		}
		return sessionReply(req, manager.Quick(ctx, *req.Quick))
	case actionTool:
		if err := policy.CheckToolAllowed(s.settings.EnableCommands, req.Tool); err != nil {
			return sessionFailure(req, err)
		}
		res := p.tools.Dispatch(ctx, req.Tool, req.Args)
		return sessionResponse{ID: req.ID, SessionID: req.SessionID, OK: res.OK, Result: &res}
	default:
		return sessionFailure(req, clierr.New(clierr.CodeUsage, fmt.Sprintf("unknown session action %q", req.Action)).
			WithHint("actions: start, advance, reset, abandon, quick, tool"))
	}
}

func sessionReply(req sessionRequest, reply conversation.Reply) sessionResponse {
	resp := sessionResponse{ID: req.ID, SessionID: reply.State.ID, OK: reply.Error == nil, Reply: &reply}
	if resp.SessionID == "" {
		resp.SessionID = req.SessionID
	}
	return resp
}

func sessionFailure(req sessionRequest, err error) sessionResponse {
	return sessionResponse{ID: req.ID, SessionID: req.SessionID, OK: false, Error: errorBody(err)}
}
