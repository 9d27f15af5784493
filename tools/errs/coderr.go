package errs

import (
	stderrors "errors"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// CodeError is the error shape the API surface returns. Code groups:
// 1xxx validation, 2xxx conflict, 3xxx not-found, 5xxx infra.
type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

var (
	ErrInvalidArgument = NewCodeError(1000, "invalid argument")
	ErrEmptyContent    = NewCodeError(1001, "comment content is empty")
	ErrReplyDepth      = NewCodeError(1002, "replies cannot be replied to")
	ErrTokenInvalid    = NewCodeError(1401, "token missing or invalid")

	ErrAlreadyResolved = NewCodeError(2001, "comment already resolved")

	ErrSessionNotFound = NewCodeError(3001, "session not found")
	ErrCommentNotFound = NewCodeError(3002, "comment not found")
	ErrParentNotFound  = NewCodeError(3003, "parent comment not found")

	ErrStoreUnavailable = NewCodeError(5001, "store unavailable")
)

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// WithDetail returns a copy carrying extra detail; the sentinel itself is
// never mutated.
func (e *CodeError) WithDetail(detail string) *CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: d}
}

// Is matches by code so a detailed copy still matches its sentinel.
func (e *CodeError) Is(target error) bool {
	var ce *CodeError
	if !stderrors.As(target, &ce) {
		return false
	}
	return e.Code == ce.Code
}

// AsCode unwraps err down to a *CodeError if one is in the chain.
func AsCode(err error) (*CodeError, bool) {
	var ce *CodeError
	if stderrors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

func New(msg string) error {
	return errors.New(msg)
}

func Wrap(err error) error {
	return errors.WithStack(err)
}

func WrapMsg(err error, msg string, kv ...string) error {
	if err == nil {
		return nil
	}
	if len(kv) > 0 {
		msg = msg + " " + strings.Join(kv, "=")
	}
	return errors.Wrap(err, msg)
}
