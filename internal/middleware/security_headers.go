package middleware

import "net/http"

// hstsValue はHTTPS配信時に付与するStrict-Transport-Securityの値。
const hstsValue = "max-age=63072000; includeSubDomains"

// apiSecurityHeaders はすべての応答に付与するヘッダー。
// APIはJSONとイベントストリームのみを返すため、CSPはすべて拒否でよい。
var apiSecurityHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Referrer-Policy", "no-referrer"},
	// タイマーの状態は時刻に依存するため、応答をキャッシュさせない
	{"Cache-Control", "no-store"},
}

// NewSecurityHeadersMiddleware はセキュリティ関連のHTTPレスポンスヘッダーを付与するミドルウェアを返す。
// httpsがtrueの場合はHSTSも付与する。
func NewSecurityHeadersMiddleware(https bool) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for _, kv := range apiSecurityHeaders {
				h.Set(kv[0], kv[1])
			}
			if https {
				h.Set("Strict-Transport-Security", hstsValue)
			}
			next.ServeHTTP(w, r)
		})
	}
}
