// Package bgtask defines the error taxonomy shared by the broker's service
// surfaces. Every caller-visible failure maps to exactly one stable code so
// that clients can branch on code rather than message text.
package bgtask

import (
	"errors"
	"fmt"
)

// Stable error codes. The 201/202/401 family mirrors caller-side permission
// and parameter failures; 98002xx is service state, 98003xx is continuous
// task validation, 99001xx is the transient delay engine.
const (
	CodePermissionDenied = 201
	CodeNotSystemApp     = 202
	CodeInvalidParam     = 401

	CodeSysNotReady       = 9800201
	CodeServiceInner      = 9800202
	CodeDataStorageFailed = 9800203

	CodeBgModeNull          = 9800301
	CodeBgModeInvalid       = 9800302
	CodeObjectExists        = 9800303
	CodeObjectNotExist      = 9800304
	CodeCheckTaskParam      = 9800305
	CodeKeepingTaskDenied   = 9800306
	CodeNotificationFailed  = 9800307
	CodeCallerNotSubscriber = 9800308

	CodeExceedsThreshold = 9900101
	CodeTimeInsufficient = 9900102
)

// Error is a caller-visible failure with a stable code.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("bgtask: %s (code %d)", e.Message, e.Code)
}

var (
	ErrPermissionDenied = &Error{CodePermissionDenied, "permission denied"}
	ErrNotSystemApp     = &Error{CodeNotSystemApp, "caller is not a system application"}
	ErrInvalidParam     = &Error{CodeInvalidParam, "invalid parameter"}

	ErrSysNotReady       = &Error{CodeSysNotReady, "service is not ready"}
	ErrServiceInner      = &Error{CodeServiceInner, "internal service error"}
	ErrDataStorageFailed = &Error{CodeDataStorageFailed, "persisting task state failed"}

	ErrBgModeNull          = &Error{CodeBgModeNull, "no background mode declared for ability"}
	ErrBgModeInvalid       = &Error{CodeBgModeInvalid, "requested background mode is not usable"}
	ErrObjectExists        = &Error{CodeObjectExists, "continuous task already exists"}
	ErrObjectNotExist      = &Error{CodeObjectNotExist, "continuous task does not exist"}
	ErrCheckTaskParam      = &Error{CodeCheckTaskParam, "task parameter check failed"}
	ErrKeepingTaskDenied   = &Error{CodeKeepingTaskDenied, "task keeping is not allowed for caller"}
	ErrNotificationFailed  = &Error{CodeNotificationFailed, "notification text could not be resolved"}
	ErrCallerNotSubscriber = &Error{CodeCallerNotSubscriber, "caller is not a registered subscriber"}

	ErrExceedsThreshold = &Error{CodeExceedsThreshold, "too many outstanding delay requests"}
	ErrTimeInsufficient = &Error{CodeTimeInsufficient, "remaining delay quota is insufficient"}
)

// CodeOf returns the stable code carried by err, or CodeServiceInner when the
// error does not wrap a taxonomy entry.
func CodeOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeServiceInner
}
