package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jfarrow/channelchat/internal/chat"
	"github.com/jfarrow/channelchat/internal/identity"
)

type ApiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

func NewBadRequestError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusBadRequest,
		Message:    lower(http.StatusText(http.StatusBadRequest)),
	}
}

func NewNotFoundError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusNotFound,
		Message:    lower(http.StatusText(http.StatusNotFound)),
	}
}

func NewInternalServerError(err error) *ApiError {
	return &ApiError{
		StatusCode: http.StatusInternalServerError,
		Message:    lower(http.StatusText(http.StatusInternalServerError)),
		Err:        err,
	}
}

func NewUnauthorizedError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusUnauthorized,
		Message:    lower(http.StatusText(http.StatusUnauthorized)),
	}
}

func NewForbiddenError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusForbidden,
		Message:    lower(http.StatusText(http.StatusForbidden)),
	}
}

// mapError translates domain errors to their HTTP shape. Anything
// unrecognized is a 500 with the cause kept for logging only.
func mapError(err error) *ApiError {
	switch {
	case errors.Is(err, identity.ErrUnauthenticated):
		return NewUnauthorizedError()
	case errors.Is(err, chat.ErrValidation):
		return NewBadRequestError()
	case errors.Is(err, chat.ErrForbidden):
		return NewForbiddenError()
	case errors.Is(err, chat.ErrChannelNotFound), errors.Is(err, chat.ErrMessageNotFound):
		return NewNotFoundError()
	default:
		return NewInternalServerError(err)
	}
}
