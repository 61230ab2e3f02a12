package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/fasttrack/internal/alert"
	"github.com/hitoshi/fasttrack/internal/middleware"
)

// defaultKeepAlive はイベントストリームのコメント送信間隔。
const defaultKeepAlive = 15 * time.Second

// EventsHandler は音声・通知イベントをServer-Sent Eventsで配信するハンドラー。
type EventsHandler struct {
	hub       *alert.Hub
	keepAlive time.Duration
}

// NewEventsHandler はEventsHandlerを生成する。
func NewEventsHandler(hub *alert.Hub) *EventsHandler {
	return &EventsHandler{hub: hub, keepAlive: defaultKeepAlive}
}

// Stream はリクエストの操作主体宛てのイベントを配信する。
// クライアントが切断するまで接続を保持する。
// GET /api/timer/events
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		middleware.WriteInternalServerError(w)
		return
	}

	// サーバーのWriteTimeoutでストリームが切られないよう書き込み期限を解除する
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	identity := middleware.IdentityFromContext(r.Context())
	id, events, unsubscribe := h.hub.Topic(identity.Key()).Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": subscribed %s\n\n", id)
	flusher.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case e := <-events:
			data, err := json.Marshal(e)
			if err != nil {
				slog.Error("failed to encode event", slog.String("error", err.Error()))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
