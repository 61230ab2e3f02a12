package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/fasttrack/internal/middleware"
	"github.com/hitoshi/fasttrack/internal/model"
)

const (
	// defaultFastsLimit は履歴一覧の1回の取得件数（デフォルト）。
	defaultFastsLimit = 50
	// maxFastsLimit は履歴一覧の1回の取得件数の上限。
	maxFastsLimit = 200
)

// FastRecordLister は断食記録の一覧を返すインターフェース。
type FastRecordLister interface {
	ListByUserID(ctx context.Context, userID string, limit int) ([]*model.FastRecord, error)
}

// FastsHandler は断食履歴のHTTPハンドラー。
type FastsHandler struct {
	records FastRecordLister
}

// NewFastsHandler はFastsHandlerを生成する。
func NewFastsHandler(records FastRecordLister) *FastsHandler {
	return &FastsHandler{records: records}
}

// fastListResponse は断食履歴一覧のレスポンス。
type fastListResponse struct {
	Fasts []fastRecordResponse `json:"fasts"`
}

// ListFasts は認証済みユーザーの断食記録を新しい順に返す。
// GET /api/fasts?limit=50
func (h *FastsHandler) ListFasts(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteAPIError(w, model.NewUnauthorizedError())
		return
	}

	limit := defaultFastsLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			middleware.WriteAPIError(w, model.NewInvalidRequestError("limit は正の整数で指定してください"))
			return
		}
		limit = min(n, maxFastsLimit)
	}

	records, err := h.records.ListByUserID(r.Context(), userID, limit)
	if err != nil {
		slog.Error("failed to list fasts",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	resp := fastListResponse{Fasts: make([]fastRecordResponse, 0, len(records))}
	for _, rec := range records {
		resp.Fasts = append(resp.Fasts, *toFastRecordResponse(rec))
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}
