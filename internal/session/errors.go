package session

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"

	"RehabSessionHub/internal/module"
)

var (
	ErrSessionAlreadyActive   = errors.New("an active session is already present, end it first")
	ErrNoActiveSession        = errors.New("no active session")
	ErrSessionIDMismatch      = errors.New("session id does not match the active session")
	ErrSessionNotFound        = errors.New("session not found")
	ErrInvalidTransition      = errors.New("status transition not allowed")
	ErrInvalidPatientDetails  = errors.New("invalid patient details")
	ErrUserNotFound           = errors.New("user not found")
	ErrMetricsAlreadyReported = errors.New("metrics already reported for session")
	ErrStoreUnavailable       = errors.New("session store unavailable")
	ErrConsistencyFault       = errors.New("session slot and store disagree")
)

// 存储层约定的错误
var (
	ErrNotFound     = errors.New("record not found")
	ErrRecordExists = errors.New("record already exists")
)

// Code 机器可读的错误码
type Code string

const (
	CodeOK                     Code = "OK"
	CodeSessionAlreadyActive   Code = "SESSION_ALREADY_ACTIVE"
	CodeNoActiveSession        Code = "NO_ACTIVE_SESSION"
	CodeSessionIDMismatch      Code = "SESSION_ID_MISMATCH"
	CodeSessionNotFound        Code = "SESSION_NOT_FOUND"
	CodeInvalidTransition      Code = "SESSION_INVALID_TRANSITION"
	CodeUnknownModule          Code = "UNKNOWN_MODULE"
	CodeInvalidModuleData      Code = "INVALID_MODULE_DATA"
	CodeInvalidPatientDetails  Code = "INVALID_PATIENT_DETAILS"
	CodeUserNotFound           Code = "USER_NOT_FOUND"
	CodeMetricsAlreadyReported Code = "METRICS_ALREADY_REPORTED"
	CodeStoreUnavailable       Code = "STORE_UNAVAILABLE"
	CodeInternal               Code = "INTERNAL"
)

var codeTable = []struct {
	err  error
	code Code
}{
	{ErrSessionAlreadyActive, CodeSessionAlreadyActive},
	{ErrNoActiveSession, CodeNoActiveSession},
	{ErrSessionIDMismatch, CodeSessionIDMismatch},
	{ErrSessionNotFound, CodeSessionNotFound},
	{ErrInvalidTransition, CodeInvalidTransition},
	{module.ErrUnknownModule, CodeUnknownModule},
	{module.ErrInvalidModuleData, CodeInvalidModuleData},
	{ErrInvalidPatientDetails, CodeInvalidPatientDetails},
	{ErrUserNotFound, CodeUserNotFound},
	{ErrMetricsAlreadyReported, CodeMetricsAlreadyReported},
	{ErrStoreUnavailable, CodeStoreUnavailable},
}

// CodeOf 将错误归类到错误码；一致性故障和未知错误都归为 INTERNAL
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	if errors.Is(err, ErrConsistencyFault) {
		return CodeInternal
	}
	for _, entry := range codeTable {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return CodeInternal
}

// PublicMessage 返回可以展示给调用方的错误描述
func PublicMessage(err error) string {
	if CodeOf(err) == CodeInternal {
		return "internal error"
	}
	return err.Error()
}

// HTTPStatus 错误码到 HTTP 状态码的映射
func (c Code) HTTPStatus() int {
	switch c {
	case CodeOK:
		return http.StatusOK
	case CodeUnknownModule, CodeInvalidModuleData, CodeInvalidPatientDetails:
		return http.StatusBadRequest
	case CodeSessionNotFound, CodeUserNotFound:
		return http.StatusNotFound
	case CodeSessionAlreadyActive, CodeNoActiveSession, CodeSessionIDMismatch,
		CodeInvalidTransition, CodeMetricsAlreadyReported:
		return http.StatusConflict
	case CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode 错误码到 gRPC 状态码的映射
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeOK:
		return codes.OK
	case CodeUnknownModule, CodeInvalidModuleData, CodeInvalidPatientDetails:
		return codes.InvalidArgument
	case CodeSessionNotFound, CodeUserNotFound:
		return codes.NotFound
	case CodeSessionAlreadyActive, CodeMetricsAlreadyReported:
		return codes.AlreadyExists
	case CodeNoActiveSession, CodeSessionIDMismatch, CodeInvalidTransition:
		return codes.FailedPrecondition
	case CodeStoreUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
