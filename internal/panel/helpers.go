package panel

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/rendis/toolflow/pkg/schema"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error *schema.FlowError `json:"error"`
}

// statusFor maps an error code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeAlreadyTerminal, schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodeInvalidWorkflow, schema.ErrCodeUnknownDependency, schema.ErrCodeCycleDetected,
		schema.ErrCodeInvalidCondition, schema.ErrCodeUnresolvedReference:
		return http.StatusUnprocessableEntity
	case schema.ErrCodeCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorHandler renders FlowErrors and echo.HTTPErrors as errorBody.
func errorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var (
			status int
			fe     *schema.FlowError
			he     *echo.HTTPError
		)
		switch {
		case errors.As(err, &fe):
			status = statusFor(fe.Code)
		case errors.As(err, &he):
			status = he.Code
			msg, ok := he.Message.(string)
			if !ok {
				msg = http.StatusText(he.Code)
			}
			fe = schema.NewError(codeForStatus(he.Code), msg)
		default:
			status = http.StatusInternalServerError
			fe = schema.NewError("INTERNAL", err.Error())
		}

		if status >= http.StatusInternalServerError {
			logger.Error("request failed", "path", c.Path(), "error", err)
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, errorBody{Error: fe})
		}
		if err != nil {
			logger.Error("write error response", "error", err)
		}
	}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusNotFound:
		return schema.ErrCodeNotFound
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return schema.ErrCodeInvalidWorkflow
	case http.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	default:
		return "HTTP_" + strconv.Itoa(status)
	}
}

// queryInt extracts an integer query param with a default value.
func queryInt(c echo.Context, key string, def int) int {
	v := c.QueryParam(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
