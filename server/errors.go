package server

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ineyio/genquota"
)

// errorBody is the JSON body of every non-2xx response and of error frames
// on the watch stream.
type errorBody struct {
	Error    string `json:"error"`
	Message  string `json:"message,omitempty"`
	ResetsAt string `json:"resets_at,omitempty"`
}

// statusFor maps an error to its HTTP status and body. Exhaustion and
// infrastructure failures always map to different codes.
func statusFor(err error) (int, errorBody) {
	var exhausted *genquota.ExhaustedError
	switch {
	case errors.As(err, &exhausted):
		return http.StatusTooManyRequests, errorBody{
			Error:    "quota_exhausted",
			Message:  exhausted.Message(),
			ResetsAt: exhausted.ResetsAt.UTC().Format(timeFormat),
		}
	case errors.Is(err, genquota.ErrInvalidRequest):
		return http.StatusBadRequest, errorBody{Error: "invalid_request", Message: err.Error()}
	case errors.Is(err, genquota.ErrGeneratorUnavailable):
		return http.StatusServiceUnavailable, errorBody{
			Error:   "generator_unavailable",
			Message: "Image generation is temporarily unavailable. Please try again later.",
		}
	case errors.Is(err, genquota.ErrUnavailable):
		return http.StatusServiceUnavailable, errorBody{
			Error:   "unavailable",
			Message: "The generation quota could not be checked. Please try again later.",
		}
	case errors.Is(err, genquota.ErrGenerationFailed):
		return http.StatusBadGateway, errorBody{
			Error:   "generation_failed",
			Message: "Image generation failed. Please try again.",
		}
	default:
		return http.StatusInternalServerError, errorBody{Error: "internal"}
	}
}

func abortWithError(c *gin.Context, err error) {
	status, body := statusFor(err)

	var exhausted *genquota.ExhaustedError
	if errors.As(err, &exhausted) && exhausted.Wait > 0 {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(exhausted.Wait.Seconds()))))
	}

	// Exhaustion and bad input are expected outcomes, not server errors.
	if status >= 500 {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, body)
}
