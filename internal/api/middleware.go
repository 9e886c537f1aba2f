package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jfarrow/channelchat/internal/identity"
)

type contextKey string

const callerKey contextKey = "caller"

// Caller returns the authenticated identity stored by authMiddleware.
func Caller(ctx context.Context) (identity.Identity, bool) {
	caller, ok := ctx.Value(callerKey).(identity.Identity)

	return caller, ok
}

func WithCaller(ctx context.Context, caller identity.Identity) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

func (s *ChatApp) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				var panicError error
				switch e := err.(type) {
				case error:
					panicError = e
				default:
					panicError = fmt.Errorf("%v", e)
				}
				s.log.Printf("panic: %v", panicError)
				errResp := NewInternalServerError(panicError)
				w.Header().Set("Connection", "close")
				s.writeJson(w, errResp.StatusCode, errResp)
				return
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func (s *ChatApp) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := s.idp.Resolve(r)
		if err != nil {
			s.log.Printf("failed to resolve caller: %v", err)
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		ctx := WithCaller(r.Context(), caller)
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")

		next(w, r.WithContext(ctx))
	}
}
