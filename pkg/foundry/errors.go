package foundry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/orbit-sync/signup-enricher/pkg/pipeline/redact"
)

// APIError summarizes a non-2xx Foundry response. The raw body is never
// kept: it can echo signup emails back.
type APIError struct {
	Op       string
	Status   int
	Name     string // Conjure errorName, e.g. DatasetNotFound
	Code     string
	Instance string
	Hint     string // redacted body excerpt when the body is not a Conjure error
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "foundry %s: %d %s", e.Op, e.Status, http.StatusText(e.Status))
	for _, kv := range [][2]string{{"name", e.Name}, {"code", e.Code}, {"instance", e.Instance}, {"body", e.Hint}} {
		if kv[1] != "" {
			fmt.Fprintf(&b, " %s=%s", kv[0], kv[1])
		}
	}
	return b.String()
}

// Transient reports whether a read is worth retrying.
func (e *APIError) Transient() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

func apiError(op string, status int, body []byte) *APIError {
	e := &APIError{Op: op, Status: status}
	var conjure struct {
		ErrorName       string `json:"errorName"`
		ErrorCode       string `json:"errorCode"`
		ErrorInstanceID string `json:"errorInstanceId"`
	}
	if json.Unmarshal(body, &conjure) == nil && conjure.ErrorName+conjure.ErrorCode+conjure.ErrorInstanceID != "" {
		e.Name, e.Code, e.Instance = conjure.ErrorName, conjure.ErrorCode, conjure.ErrorInstanceID
		return e
	}
	e.Hint = redact.Snippet(body, 256)
	return e
}
