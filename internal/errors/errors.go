// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

// ErrorType 定义错误类型
type ErrorType string

const (
	// ErrorTypeConnection 连接层瞬时故障，触发重连，不丢弃会话数据
	ErrorTypeConnection ErrorType = "connection_error"
	// ErrorTypeRequest start/suggest-edit/persist 调用失败
	ErrorTypeRequest ErrorType = "request_failure"
	// ErrorTypeEmptyDiff 修订未产生任何可应用的变更
	ErrorTypeEmptyDiff ErrorType = "empty_diff"
	// ErrorTypeTruncation 疑似截断，已由尾部修正启发式软纠正
	ErrorTypeTruncation ErrorType = "truncation_suspected"
	// ErrorTypeValidation 输入校验错误
	ErrorTypeValidation ErrorType = "validation_error"
	// ErrorTypeConflict AI 锁已被其他章节持有
	ErrorTypeConflict ErrorType = "conflict"
)

// AppError 应用程序错误结构
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	Code    string // 用户友好的错误代码
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap 实现错误链接
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError 创建新的 AppError
func NewAppError(errType ErrorType, message string, originalError error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Err:     originalError,
		Code:    generateErrorCode(errType),
	}
}

// NewConnectionError 创建连接错误
func NewConnectionError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeConnection, message, originalError)
}

// NewRequestFailure 创建请求失败错误
func NewRequestFailure(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeRequest, message, originalError)
}

// NewEmptyDiffError 创建空 diff 错误
func NewEmptyDiffError(message string) *AppError {
	return NewAppError(ErrorTypeEmptyDiff, message, nil)
}

// NewValidationError 创建验证错误
func NewValidationError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeValidation, message, originalError)
}

// NewConflictError 创建锁冲突错误
func NewConflictError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeConflict, message, originalError)
}

// IsConnectionError 检查是否为连接错误
func IsConnectionError(err error) bool {
	return isType(err, ErrorTypeConnection)
}

// IsRequestFailure 检查是否为请求失败错误
func IsRequestFailure(err error) bool {
	return isType(err, ErrorTypeRequest)
}

// IsEmptyDiffError 检查是否为空 diff 错误
func IsEmptyDiffError(err error) bool {
	return isType(err, ErrorTypeEmptyDiff)
}

// IsValidationError 检查是否为验证错误
func IsValidationError(err error) bool {
	return isType(err, ErrorTypeValidation)
}

// IsConflictError 检查是否为锁冲突错误
func IsConflictError(err error) bool {
	return isType(err, ErrorTypeConflict)
}

func isType(err error, errType ErrorType) bool {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type == errType
	}
	return false
}

// generateErrorCode 根据错误类型生成错误代码
func generateErrorCode(errType ErrorType) string {
	switch errType {
	case ErrorTypeConnection:
		return "CONNECTION_ERROR"
	case ErrorTypeRequest:
		return "REQUEST_FAILURE"
	case ErrorTypeEmptyDiff:
		return "EMPTY_DIFF"
	case ErrorTypeTruncation:
		return "TRUNCATION_SUSPECTED"
	case ErrorTypeValidation:
		return "VALIDATION_ERROR"
	case ErrorTypeConflict:
		return "CONFLICT"
	default:
		return "UNKNOWN_ERROR"
	}
}

// WrapError 包装现有错误
func WrapError(err error, message string, errType ErrorType) error {
	if err == nil {
		return nil
	}

	var appError *AppError
	if errors.As(err, &appError) {
		// 如果已经是 AppError，只更新消息
		return &AppError{
			Type:    appError.Type,
			Message: fmt.Sprintf("%s: %s", message, appError.Message),
			Err:     appError,
			Code:    appError.Code,
		}
	}

	// 否则创建新的 AppError
	return NewAppError(errType, message, err)
}
