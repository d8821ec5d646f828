package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/jkaninda/sanduku/internal/sandbox"
)

// attachCommand is one client frame on the attach socket.
type attachCommand struct {
	Command        []string          `json:"command"`
	WorkDir        string            `json:"work_dir,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// attachFrame is one server frame on the attach socket. Type is
// "stdout" (streamed output chunk), "exit" (command finished) or
// "error" (command rejected).
type attachFrame struct {
	Type       string `json:"type"`
	Data       string `json:"data,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	ExitCode   int    `json:"exit_code,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	Error      string `json:"error,omitempty"`
	Kind       string `json:"kind,omitempty"`
}

// handleAttach upgrades GET /v1/attach?sandbox=<id> to a WebSocket that
// accepts command frames and streams output back as it is produced.
// The key travels in the token query parameter or the Authorization
// header; browsers cannot set headers on WebSocket dials.
func (g *Gateway) handleAttach(w http.ResponseWriter, r *http.Request) {
	if len(g.config.APIKeys) > 0 {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if !g.validKey(token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	id := r.URL.Query().Get("sandbox")
	if id == "" {
		http.Error(w, "sandbox query parameter is required", http.StatusBadRequest)
		return
	}
	if _, err := g.manager.Get(id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"sanduku-attach-v1"},
	})
	if err != nil {
		g.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	g.logger.Info("attach session started", slog.String("sandbox_id", id))
	g.attachLoop(r.Context(), conn, id)
}

func (g *Gateway) attachLoop(ctx context.Context, conn *websocket.Conn, id string) {
	defer conn.Close(websocket.StatusNormalClosure, "session closed")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				g.logger.Info("attach session closed", slog.String("sandbox_id", id))
			} else {
				g.logger.Warn("attach connection error",
					slog.String("sandbox_id", id),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var cmd attachCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			g.writeFrame(ctx, conn, attachFrame{Type: "error", Error: "invalid command frame"})
			continue
		}
		if len(cmd.Command) == 0 {
			g.writeFrame(ctx, conn, attachFrame{Type: "error", Error: "command is required"})
			continue
		}

		g.runAttached(ctx, conn, id, cmd)
	}
}

// runAttached executes one command, streaming stdout chunks as they
// arrive and finishing with an exit or error frame.
func (g *Gateway) runAttached(ctx context.Context, conn *websocket.Conn, id string, cmd attachCommand) {
	res, err := g.manager.Exec(ctx, id, sandbox.ExecRequest{
		Command: cmd.Command,
		WorkDir: cmd.WorkDir,
		Env:     cmd.Env,
		Timeout: time.Duration(cmd.TimeoutSeconds) * time.Second,
		Stream:  &frameWriter{ctx: ctx, conn: conn},
	})
	if err != nil && !(sandbox.IsTimeout(err) && res != nil) {
		g.writeFrame(ctx, conn, attachFrame{
			Type:  "error",
			Error: err.Error(),
			Kind:  string(sandbox.KindOf(err)),
		})
		return
	}

	g.writeFrame(ctx, conn, attachFrame{
		Type:       "exit",
		Stderr:     res.Stderr,
		ExitCode:   res.ExitCode,
		DurationMS: res.Duration.Milliseconds(),
		Truncated:  res.Truncated,
		TimedOut:   err != nil,
	})
}

func (g *Gateway) writeFrame(ctx context.Context, conn *websocket.Conn, frame attachFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		g.logger.Warn("attach write failed", slog.String("error", err.Error()))
	}
}

// frameWriter adapts the attach socket into an io.Writer so adapter
// output streams to the client as stdout frames.
type frameWriter struct {
	ctx  context.Context
	conn *websocket.Conn
}

func (w *frameWriter) Write(p []byte) (int, error) {
	data, err := json.Marshal(attachFrame{Type: "stdout", Data: string(p)})
	if err != nil {
		return 0, err
	}
	if err := w.conn.Write(w.ctx, websocket.MessageText, data); err != nil {
		return 0, err
	}
	return len(p), nil
}
