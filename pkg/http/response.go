package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// APIResponse is the envelope of every JSON response. Status repeats the HTTP status.
type APIResponse struct {
	Status  int         `json:"status"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// DataResponse writes data in the envelope with status.
func DataResponse(c echo.Context, status int, data interface{}) error {
	return c.JSON(status, APIResponse{
		Status:  status,
		Message: http.StatusText(status),
		Data:    data,
	})
}

func SuccessResponse(c echo.Context, data interface{}) error {
	return DataResponse(c, http.StatusOK, data)
}

// BadRequestResponse writes validation details with 400.
func BadRequestResponse(c echo.Context, details []ValidationError) error {
	return DataResponse(c, http.StatusBadRequest, details)
}

// AppErrorResponse writes err as a one-element error list. Errors that are not
// an *AppError become a generic 500 without leaking their text.
func AppErrorResponse(c echo.Context, err error) error {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		appErr = InternalError("something went wrong")
	}
	return DataResponse(c, appErr.Status, []*AppError{appErr})
}
