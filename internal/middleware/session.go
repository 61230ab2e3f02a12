// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/fasttrack/internal/model"
)

const sessionCookieName = "session_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// identityContextKey はリクエストコンテキストに操作主体を格納するためのキー。
var identityContextKey = contextKey("identity")

// SessionFinder はセッションの検索に必要なインターフェース。
// repository.SessionRepositoryの部分集合として定義する。
type SessionFinder interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
}

// NewIdentityMiddleware はHTTP Only Cookieからセッションを読み取り、
// 操作主体（Identity）をリクエストコンテキストに注入するミドルウェアを返す。
// セッションがない、期限切れ、または検証に失敗した場合は匿名ユーザーとして扱う。
func NewIdentityMiddleware(sessionFinder SessionFinder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := model.AnonymousIdentity()

			cookie, err := r.Cookie(sessionCookieName)
			if err == nil && cookie.Value != "" {
				session, err := sessionFinder.FindByID(r.Context(), cookie.Value)
				switch {
				case err != nil:
					slog.Error("failed to find session",
						slog.String("error", err.Error()),
					)
				case session != nil:
					identity = model.Identity{UserID: session.UserID, Authenticated: true}
				}
			}

			// 外側のロギングミドルウェアにも操作主体を伝える
			if info := requestInfoFrom(r.Context()); info != nil {
				info.identity = identity
			}
			next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
		})
	}
}

// NewRequireUserMiddleware は認証済みユーザー以外に401を返すミドルウェアを返す。
// NewIdentityMiddlewareの後に配置する。
func NewRequireUserMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !IdentityFromContext(r.Context()).Authenticated {
				WriteAPIError(w, model.NewUnauthorizedError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IdentityFromContext はリクエストコンテキストから操作主体を取得する。
// 設定されていない場合は匿名ユーザーを返す。
func IdentityFromContext(ctx context.Context) model.Identity {
	identity, ok := ctx.Value(identityContextKey).(model.Identity)
	if !ok {
		return model.AnonymousIdentity()
	}
	return identity
}

// ContextWithIdentity はコンテキストに操作主体を注入する。
func ContextWithIdentity(ctx context.Context, identity model.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// UserIDFromContext はリクエストコンテキストから認証済みユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	identity := IdentityFromContext(ctx)
	if !identity.Authenticated || identity.UserID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return identity.UserID, nil
}

// ContextWithUserID は認証済みユーザーIDをコンテキストに注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return ContextWithIdentity(ctx, model.Identity{UserID: userID, Authenticated: true})
}
