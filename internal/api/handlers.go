package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"workflow-copilot/backend/internal/apperr"
	"workflow-copilot/backend/pkg/models"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains the unauthenticated HTTP handlers
type Handler struct {
	store Pinger
}

// NewHandler creates a new Handler with required dependencies
func NewHandler(store Pinger) *Handler {
	return &Handler{store: store}
}

// HandleHealth reports service health. The status is 503 when the store
// cannot be reached.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := models.HealthStatus{
		Status:  "ok",
		Service: "workflow-copilot",
		Version: Version,
		Checks:  map[string]string{"store": "ok"},
	}
	code := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		status.Status = "degraded"
		status.Checks["store"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string   `json:"type"`
	Title    string   `json:"title"`
	Status   int      `json:"status"`
	Detail   string   `json:"detail"`
	Instance string   `json:"instance,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// ErrorHandler renders every handler error as RFC 7807 Problem Details,
// mapping failure kinds to status codes.
func ErrorHandler(logger Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		problem := problemFor(err)
		problem.Instance = c.Request().URL.Path

		switch {
		case problem.Status >= http.StatusInternalServerError:
			logger.Error("request failed", "path", problem.Instance, "status", problem.Status, "error", err)
		case problem.Status == http.StatusTooManyRequests:
			logger.Warn("upstream rate limited", "path", problem.Instance, "error", err)
		}

		c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(problem.Status)
			return
		}
		_ = c.JSON(problem.Status, problem)
	}
}

func problemFor(err error) ProblemDetails {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		detail := http.StatusText(he.Code)
		if msg, ok := he.Message.(string); ok {
			detail = msg
		}
		return ProblemDetails{Type: "about:blank", Title: http.StatusText(he.Code), Status: he.Code, Detail: detail}
	}

	status := apperr.HTTPStatus(err)
	p := ProblemDetails{Type: "about:blank", Title: http.StatusText(status), Status: status, Detail: err.Error()}

	var verr *apperr.ValidationError
	var up *apperr.UpstreamError
	switch {
	case errors.As(err, &verr):
		p.Detail = "request validation failed"
		p.Errors = verr.Problems
	case errors.As(err, &up):
		p.Title = "Generation service error"
		p.Detail = up.Error()
	case status == http.StatusInternalServerError:
		p.Detail = "internal error"
	}
	return p
}
