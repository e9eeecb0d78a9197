package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	applogger "PulseScout/pkg/logger"

	"github.com/labstack/echo/v4"
)

// Recover turns a handler panic into a 500 error for the error handler.
func Recover(l *applogger.Logger) echo.MiddlewareFunc {
	if l == nil {
		l = applogger.Nop()
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}
				cause, ok := r.(error)
				if !ok {
					cause = fmt.Errorf("%v", r)
				}
				l.Error("http handler panic",
					applogger.String("route", routeOf(c)),
					applogger.Error(cause),
					applogger.String("stack", string(debug.Stack())),
				)
				err = echo.NewHTTPError(http.StatusInternalServerError).SetInternal(cause)
			}()
			return next(c)
		}
	}
}
