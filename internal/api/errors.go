package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/sunil55999/AISignalPro-sub001/internal/deploy"
	"github.com/sunil55999/AISignalPro-sub001/internal/ingest"
	"github.com/sunil55999/AISignalPro-sub001/internal/signal"
	"github.com/sunil55999/AISignalPro-sub001/internal/store"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error    string            `json:"error"`
	Reason   string            `json:"reason,omitempty"`
	SignalID string            `json:"signal_id,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
}

var registerOnce sync.Once

// registerValidators adds the domain tags used in binding rules to gin's
// shared validator.
func registerValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("signal_source", func(fl validator.FieldLevel) bool {
			return signal.Source(fl.Field().String()).Valid()
		})
		_ = v.RegisterValidation("signal_status", func(fl validator.FieldLevel) bool {
			return signal.Status(fl.Field().String()).Valid()
		})
	})
}

// statusFor maps a domain error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, deploy.ErrArtifactNotFound):
		return http.StatusNotFound
	case errors.Is(err, signal.ErrInvalidTransition),
		errors.Is(err, deploy.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, store.ErrInvalidCursor),
		errors.Is(err, ingest.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with the status statusFor assigns it.
func fail(c *gin.Context, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error(), Reason: signal.ReasonOf(err)}
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		resp = ErrorResponse{Error: "internal error"}
	}
	c.AbortWithStatusJSON(status, resp)
}

// badRequest reports a binding failure, listing offending fields when the
// validator produced them.
func badRequest(c *gin.Context, err error) {
	resp := ErrorResponse{Error: err.Error()}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		resp.Error = "invalid request"
		resp.Fields = make(map[string]string, len(verrs))
		for _, fe := range verrs {
			resp.Fields[fieldName(fe)] = describeRule(fe)
		}
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, resp)
}

func fieldName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	return toSnake(ns)
}

func describeRule(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of " + fe.Param()
	case "signal_source":
		return fmt.Sprintf("unknown source %q", fe.Value())
	case "signal_status":
		return fmt.Sprintf("unknown status %q", fe.Value())
	default:
		return "failed " + fe.Tag()
	}
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && s[i-1] != '.' && !(s[i-1] >= 'A' && s[i-1] <= 'Z') {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
