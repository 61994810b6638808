package routes

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"nftmarket/core/events"
	"nftmarket/native/market"
)

const wsWriteTimeout = 10 * time.Second

// stream relays market events to a websocket client. The optional types
// query parameter is a comma separated list of event types to forward.
func (a *api) stream(w http.ResponseWriter, r *http.Request) {
	if a.hub == nil {
		writeJSONError(w, http.StatusNotFound, errors.New("event stream disabled"))
		return
	}
	filter := parseTypeFilter(r.URL.Query().Get("types"))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	updates, cancel := a.hub.Subscribe()
	defer cancel()
	ctx := conn.CloseRead(r.Context())
	if err := streamEvents(ctx, conn, updates, filter); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && !errors.Is(err, context.Canceled) {
			a.logger.Debug("event stream ended", slog.Any("error", err))
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func parseTypeFilter(raw string) map[string]struct{} {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	filter := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			filter[part] = struct{}{}
		}
	}
	return filter
}

func streamEvents(ctx context.Context, conn *websocket.Conn, updates <-chan events.Event, filter map[string]struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			if filter != nil {
				if _, wanted := filter[evt.EventType()]; !wanted {
					continue
				}
			}
			payload, ok := evt.(market.Payload)
			if !ok || payload.Event() == nil {
				continue
			}
			if err := writeEvent(ctx, conn, payload); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, payload market.Payload) error {
	data, err := json.Marshal(payload.Event())
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
