package service

import (
	"errors"
	"fmt"
)

// 业务层通用错误，handler 通过 errors.Is 映射到合适的 HTTP 状态码。
var (
	ErrValidation         = errors.New("validation failed")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
)

// Error 携带返回给调用方的消息，Kind 为上面的错误之一。
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string { return e.Msg }
func (e *Error) Unwrap() error { return e.Kind }

func invalid(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Msg: fmt.Sprintf(format, args...)}
}

func notFound(msg string) error  { return &Error{Kind: ErrNotFound, Msg: msg} }
func forbidden(msg string) error { return &Error{Kind: ErrForbidden, Msg: msg} }
func conflict(msg string) error  { return &Error{Kind: ErrConflict, Msg: msg} }
