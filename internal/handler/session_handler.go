package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/fasttrack/internal/middleware"
)

// sessionCookieName はセッションIDを保持するCookieの名前。
const sessionCookieName = "session_id"

// SessionDeleter はログアウト時にセッションを削除するインターフェース。
// repository.SessionRepositoryの部分集合として定義する。
type SessionDeleter interface {
	DeleteByID(ctx context.Context, id string) error
}

// SessionHandlerConfig はセッションCookieの属性設定。
type SessionHandlerConfig struct {
	CookieDomain string
	CookieSecure bool
}

// SessionHandler はセッション管理のHTTPハンドラー。
// ログイン自体は外部の認証プロバイダーが行う。
type SessionHandler struct {
	sessions SessionDeleter
	config   SessionHandlerConfig
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(sessions SessionDeleter, config SessionHandlerConfig) *SessionHandler {
	return &SessionHandler{sessions: sessions, config: config}
}

// sessionResponse は現在の操作主体のレスポンス。
type sessionResponse struct {
	Authenticated bool   `json:"authenticated"`
	UserID        string `json:"user_id,omitempty"`
}

// Me は現在の操作主体を返す。匿名ユーザーでも200を返す。
// GET /api/session
func (h *SessionHandler) Me(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())
	middleware.WriteJSON(w, http.StatusOK, sessionResponse{
		Authenticated: identity.Authenticated,
		UserID:        identity.UserID,
	})
}

// Logout はセッションを削除してCookieをクリアする。
// ログアウト後のタイマーはローカル保存に切り替わる。
// DELETE /api/session
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err == nil && cookie.Value != "" {
		if err := h.sessions.DeleteByID(r.Context(), cookie.Value); err != nil {
			slog.Error("failed to logout", slog.String("error", err.Error()))
			// 削除に失敗してもCookieはクリアする
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	w.WriteHeader(http.StatusNoContent)
}
