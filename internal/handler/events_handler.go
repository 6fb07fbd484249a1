package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/memberhub/internal/model"
)

// defaultHeartbeat はSSE接続を維持するためのコメント送信間隔。
const defaultHeartbeat = 25 * time.Second

// sessionEvent はSSEで送るセッション変更通知。
type sessionEvent struct {
	SignedIn bool        `json:"signedIn"`
	User     *model.User `json:"user"`
}

// EventsHandler はセッション変更通知をServer-Sent Eventsで配信する。
type EventsHandler struct {
	heartbeat time.Duration
}

// NewEventsHandler はEventsHandlerを生成する。heartbeatが0以下の場合は既定値を使う。
func NewEventsHandler(heartbeat time.Duration) *EventsHandler {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &EventsHandler{heartbeat: heartbeat}
}

// Stream は現在のユーザーを最初に送り、以降は通知ごとに送る。
// サインアウトの通知を送った時点で接続を閉じる。
// GET /auth/events
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	p := provider(w, r)
	if p == nil {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// 1. 通知の受け口を登録（コールバックはハンドラー終了後にブロックしない）
	updates := make(chan *model.User, 8)
	done := make(chan struct{})
	cancel := p.Watch(func(u *model.User) {
		select {
		case updates <- u:
		case <-done:
		}
	})
	defer cancel()
	defer close(done)

	// 2. サーバーのWriteTimeoutを解除してストリームを開始し、現在の状態を送る
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSessionEvent(w, p.CurrentUser()); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	// 3. 通知を転送
	for {
		select {
		case <-r.Context().Done():
			return
		case u := <-updates:
			if err := writeSessionEvent(w, u); err != nil {
				slog.Debug("event stream closed", slog.String("error", err.Error()))
				return
			}
			flusher.Flush()
			if u == nil {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSessionEvent(w http.ResponseWriter, u *model.User) error {
	data, err := json.Marshal(sessionEvent{SignedIn: u != nil, User: u})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: session\ndata: %s\n\n", data)
	return err
}
