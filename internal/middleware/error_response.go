package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/fasttrack/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// statusByCode はエラーコードごとのHTTPステータス。
// 未登録のコードは500として扱う。
var statusByCode = map[string]int{
	model.ErrCodeInvalidRequest:    http.StatusBadRequest,
	model.ErrCodeStartInFuture:     http.StatusBadRequest,
	model.ErrCodeGoalOutOfRange:    http.StatusBadRequest,
	model.ErrCodeEndBeforeStart:    http.StatusBadRequest,
	model.ErrCodeUnauthorized:      http.StatusUnauthorized,
	model.ErrCodeCSRFTokenInvalid:  http.StatusForbidden,
	model.ErrCodeRecordNotFound:    http.StatusNotFound,
	model.ErrCodeInvalidTransition: http.StatusConflict,
	model.ErrCodeRateLimited:       http.StatusTooManyRequests,
	model.ErrCodeInternal:          http.StatusInternalServerError,
}

// StatusFor はAPIエラーに対応するHTTPステータスを返す。
func StatusFor(apiErr *model.APIError) int {
	if status, ok := statusByCode[apiErr.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteJSON はvをJSONとして書き込む。
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// WriteAPIError はエラーコードから決まるステータスで統一エラーレスポンスを書き込む。
func WriteAPIError(w http.ResponseWriter, apiErr *model.APIError) {
	WriteErrorResponse(w, StatusFor(apiErr), apiErr)
}

// WriteErrorResponse はステータスを明示して統一エラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	WriteJSON(w, statusCode, ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteAPIError(w, model.NewInternalError())
}
