package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/botflow/types"
)

// maxBodyBytes 请求体上限
const maxBodyBytes = 1 << 20

// =============================================================================
// 📦 通用响应结构
// =============================================================================

// Response 统一 API 响应结构
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo 错误信息结构
type ErrorInfo struct {
	Code      string     `json:"code"`
	Message   string     `json:"message"`
	Details   string     `json:"details,omitempty"`
	Retryable bool       `json:"retryable,omitempty"`
	ResetAt   *time.Time `json:"reset_at,omitempty"`
}

// =============================================================================
// 🎯 响应辅助函数
// =============================================================================

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	// 头已写出，编码失败无法再改状态码
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess 写入 200 成功响应
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteStatus(w, http.StatusOK, data)
}

// WriteStatus 写入指定状态码的成功响应
func WriteStatus(w http.ResponseWriter, status int, data any) {
	WriteJSON(w, status, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// WriteError 写入错误响应。非 *types.Error 按 INTERNAL_ERROR 处理。
func WriteError(w http.ResponseWriter, err error, logger *zap.Logger) {
	apiErr, ok := types.AsError(err)
	if !ok {
		apiErr = types.NewError(types.ErrInternalError, "internal error").WithCause(err)
	}
	status := HTTPStatus(apiErr.Code)

	info := &ErrorInfo{
		Code:      string(apiErr.Code),
		Message:   apiErr.Message,
		Retryable: apiErr.Retryable,
	}
	if apiErr.Cause != nil && status < http.StatusInternalServerError {
		info.Details = apiErr.Cause.Error()
	}
	if !apiErr.ResetAt.IsZero() {
		reset := apiErr.ResetAt
		info.ResetAt = &reset
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(reset)))
	}

	if logger != nil {
		fields := []zap.Field{
			zap.String("code", string(apiErr.Code)),
			zap.Int("status", status),
			zap.Error(err),
		}
		if status >= http.StatusInternalServerError {
			logger.Error("API error", fields...)
		} else {
			logger.Debug("API error", fields...)
		}
	}

	WriteJSON(w, status, Response{
		Success:   false,
		Error:     info,
		Timestamp: time.Now(),
	})
}

// WriteErrorMessage 写入简单错误消息
func WriteErrorMessage(w http.ResponseWriter, code types.ErrorCode, message string, logger *zap.Logger) {
	WriteError(w, types.NewError(code, message), logger)
}

func retryAfterSeconds(reset time.Time) int {
	secs := int(time.Until(reset).Seconds() + 0.999)
	if secs < 1 {
		return 1
	}
	return secs
}

// =============================================================================
// 🔄 错误码到 HTTP 状态码映射
// =============================================================================

// HTTPStatus 将错误码映射为 HTTP 状态码
func HTTPStatus(code types.ErrorCode) int {
	switch code {
	// 4xx 客户端错误
	case types.ErrValidation, types.ErrInvalidRequest:
		return http.StatusBadRequest
	case types.ErrAuthentication:
		return http.StatusUnauthorized
	case types.ErrForbidden:
		return http.StatusForbidden
	case types.ErrNotFound:
		return http.StatusNotFound
	case types.ErrInvalidTransition, types.ErrCancelled:
		return http.StatusConflict
	case types.ErrRateLimitExceeded:
		return http.StatusTooManyRequests

	// 5xx 服务端错误
	case types.ErrTimeout:
		return http.StatusGatewayTimeout
	case types.ErrCircuitBreakerOpen, types.ErrServiceUnavailable:
		return http.StatusServiceUnavailable
	case types.ErrUpstreamError:
		return http.StatusBadGateway

	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// 🛡️ 请求解析辅助函数
// =============================================================================

// DecodeJSONBody 解码 JSON 请求体（1 MB 限制 + 严格模式）。
// 失败时已写出错误响应，调用方直接返回即可。
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	if r.Body == nil || r.Body == http.NoBody {
		err := types.NewError(types.ErrInvalidRequest, "request body is empty")
		WriteError(w, err, logger)
		return err
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		msg := "invalid JSON body"
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			msg = fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit)
		} else if errors.Is(err, io.EOF) {
			msg = "request body is empty"
		}
		apiErr := types.NewError(types.ErrInvalidRequest, msg).WithCause(err)
		WriteError(w, apiErr, logger)
		return apiErr
	}

	return nil
}

// ReadBody 读取原始请求体（1 MB 限制）
func ReadBody(w http.ResponseWriter, r *http.Request, logger *zap.Logger) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		apiErr := types.NewError(types.ErrInvalidRequest, "failed to read request body").WithCause(err)
		WriteError(w, apiErr, logger)
		return nil, apiErr
	}
	if len(data) == 0 {
		apiErr := types.NewError(types.ErrInvalidRequest, "request body is empty")
		WriteError(w, apiErr, logger)
		return nil, apiErr
	}
	return data, nil
}

// queryInt 读取非负整数查询参数，缺省返回 0
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, types.Errorf(types.ErrInvalidRequest, "query parameter %s must be a non-negative integer", name)
	}
	return n, nil
}

// =============================================================================
// 📊 响应包装器（用于捕获状态码）
// =============================================================================

// ResponseWriter 包装 http.ResponseWriter 以捕获状态码
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Written    bool
}

// NewResponseWriter 创建新的 ResponseWriter
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// WriteHeader 重写 WriteHeader 以捕获状态码
func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Write 重写 Write 以标记已写入
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Unwrap 供 http.ResponseController 访问底层 writer
func (rw *ResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
