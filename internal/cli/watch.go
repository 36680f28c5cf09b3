package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/montylab/simorch/internal/domain"
)

type feedMessage struct {
	Type string          `json:"type"`
	Data domain.LogEntry `json:"data"`
}

// Watch streams live log entries to fn until ctx ends or the server closes
// the feed. An empty runID follows every run.
func (c *Client) Watch(ctx context.Context, runID string, fn func(domain.LogEntry)) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	if runID != "" {
		u.Path += "/" + url.PathEscape(runID)
	}

	header := http.Header{}
	authz, err := c.bearer()
	if err != nil {
		return err
	}
	if authz != "" {
		header.Set("Authorization", authz)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("live feed handshake: %s", resp.Status)
		}
		return fmt.Errorf("live feed: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		var msg feedMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return fmt.Errorf("decode feed message: %w", err)
		}
		if msg.Type != "log" {
			continue
		}
		fn(msg.Data)
	}
}

func NewWatchCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [RUN_ID]",
		Short: "Follow live run logs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := ""
			if len(args) == 1 {
				runID = args[0]
			}
			out := outputFn()
			err := clientFn().Watch(cmd.Context(), runID, func(e domain.LogEntry) {
				if out.jsonMode {
					out.JSON(e)
					return
				}
				out.Line(fmt.Sprintf("%s %s [%s] %s", e.Timestamp.Format(time.RFC3339), e.RunID, e.Level, e.Message))
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
