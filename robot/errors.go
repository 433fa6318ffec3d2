package robot

import (
	"encoding/json"
	"fmt"
	"strings"

	"goama/log"
)

// The four turn-scoped failure kinds the console surfaces to the operator.
// All carry a human-readable message extracted from the backend response.

type TranscriptionError struct{ failure }

type AnswerError struct{ failure }

type SynthesisError struct{ failure }

type failure struct {
	Op      string
	Status  int
	Message string
	Err     error
}

func (f failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Op, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Op, f.Message)
}

func (f failure) Unwrap() error { return f.Err }

// AnswerErrorf lets alternate answer providers report failures through the
// same taxonomy the orchestrator already handles.
func AnswerErrorf(op string, err error) error {
	return AnswerError{transportFailure(op, err)}
}

// errorDetail is how the backend reports failures: a JSON body with a
// "detail" or "message" field. Anything else is used as raw text.
type errorDetail struct {
	Detail  string `json:"detail"`
	Message string `json:"message"`
}

func failureFrom(op string, resp *TracedResponse) failure {
	msg := strings.TrimSpace(string(resp.Body))

	var detail errorDetail
	if err := json.Unmarshal(resp.Body, &detail); err == nil {
		if detail.Detail != "" {
			msg = detail.Detail
		} else if detail.Message != "" {
			msg = detail.Message
		}
	} else if !json.Valid(resp.Body) && len(resp.Body) > 512 {
		// Bodies that are neither JSON nor short text are diagnostics-only.
		log.Warnf("%s: unreadable error body (%d bytes, status %d)", op, len(resp.Body), resp.StatusCode)
		msg = ""
	}

	if msg == "" {
		msg = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return failure{Op: op, Status: resp.StatusCode, Message: msg}
}

func transportFailure(op string, err error) failure {
	return failure{Op: op, Err: err}
}
