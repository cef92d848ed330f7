package transport

import (
	"context"
	"errors"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/opentalon/relay/internal/failover"
)

// WebSocket sends a single JSON message and waits for one JSON reply.
// A fresh connection is dialed per call; pooling happens one layer up.
type WebSocket struct {
	readLimit int64
}

func NewWebSocket() *WebSocket {
	return &WebSocket{readLimit: maxResponseBytes}
}

func (w *WebSocket) Invoke(ctx context.Context, endpoint string, payload map[string]any) (map[string]any, error) {
	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, failover.Wrap(failover.KindTransient, err, "dial %s", endpoint)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(w.readLimit)

	if err := wsjson.Write(ctx, conn, payload); err != nil {
		return nil, failover.Wrap(failover.KindTransient, err, "write %s", endpoint)
	}
	var out map[string]any
	if err := wsjson.Read(ctx, conn, &out); err != nil {
		var ce websocket.CloseError
		if errors.As(err, &ce) && ce.Code == websocket.StatusPolicyViolation {
			return nil, failover.Wrap(failover.KindValidation, err, "read %s", endpoint)
		}
		return nil, failover.Wrap(failover.KindTransient, err, "read %s", endpoint)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
