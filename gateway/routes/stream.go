package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"turingvote/tally"
)

const streamWriteTimeout = 10 * time.Second

// stream pushes the leaderboard to a websocket client: the current snapshot
// first, then every published change. Slow clients skip intermediate
// versions.
func (a *api) stream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ctx := conn.CloseRead(r.Context())
	if err := a.pushSnapshots(ctx, conn); err != nil && ctx.Err() == nil {
		if websocket.CloseStatus(err) == -1 {
			a.logger.Warn("leaderboard stream failed", "error", err)
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (a *api) pushSnapshots(ctx context.Context, conn *websocket.Conn) error {
	updates, cancel := a.engine.Subscribe(1)
	defer cancel()

	ticker := time.NewTicker(a.ping)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pingCtx, stop := context.WithTimeout(ctx, streamWriteTimeout)
			err := conn.Ping(pingCtx)
			stop()
			if err != nil {
				return err
			}
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			if err := a.writeSnapshot(ctx, conn, snap); err != nil {
				return err
			}
		}
	}
}

func (a *api) writeSnapshot(ctx context.Context, conn *websocket.Conn, snap tally.Snapshot) error {
	data, err := json.Marshal(a.leaderboardFrom(snap))
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
