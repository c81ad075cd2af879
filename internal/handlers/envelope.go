package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"github.com/example/deblur/internal/artifact"
	"github.com/example/deblur/internal/content"
	"github.com/example/deblur/internal/inference"
	"github.com/example/deblur/internal/usecase"
)

// statusClientClosedRequest is written when the caller went away; nobody
// reads it, but it keeps access logs honest.
const statusClientClosedRequest = 499

// Caller-facing messages.
const (
	msgNoImage          = "no image provided"
	msgTooLarge         = "image exceeds the maximum upload size"
	msgUnsupportedType  = "only PNG and JPEG images are allowed"
	msgUndecodable      = "failed to decode image"
	msgContentRejected  = "the image appears to be empty or lacks meaningful content"
	msgBusy             = "too many images are being processed, try again later"
	msgCanceled         = "request canceled"
	msgProcessingFailed = "failed to process image"
	msgOutputMissing    = "output file was not created by the model"
	msgTimeout          = "image processing timed out"
)

var (
	ErrInputMissing         = errors.New("no image provided")
	ErrInputTooLarge        = errors.New("image too large")
	ErrUnsupportedMediaType = errors.New("unsupported media type")
)

// ErrorBody is the error part of an Envelope.
type ErrorBody struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Envelope is the JSON body of every processing response.
type Envelope struct {
	Success        bool       `json:"success"`
	RequestID      string     `json:"request_id,omitempty"`
	ProcessedImage string     `json:"processed_image,omitempty"`
	CacheHit       bool       `json:"cache_hit,omitempty"`
	Error          *ErrorBody `json:"error,omitempty"`
}

func failure(message, details string) Envelope {
	return Envelope{Success: false, Error: &ErrorBody{Message: message, Details: details}}
}

// outcomeEnvelope maps a pipeline result to status and body. Exit codes
// stay in the logs; launch causes are echoed as details.
func outcomeEnvelope(result *usecase.Result) (int, Envelope) {
	outcome := result.Outcome
	var (
		status int
		env    Envelope
	)
	switch outcome.Kind {
	case inference.KindSuccess:
		status, env = http.StatusOK, Envelope{
			Success:        true,
			ProcessedImage: base64.StdEncoding.EncodeToString(outcome.Output),
			CacheHit:       result.CacheHit,
		}
	case inference.KindProcessFailed:
		status, env = http.StatusInternalServerError, failure(msgProcessingFailed, "")
	case inference.KindProcessUnstartable:
		details := ""
		if outcome.Cause != nil {
			details = outcome.Cause.Error()
		}
		status, env = http.StatusInternalServerError, failure(msgProcessingFailed, details)
	case inference.KindOutputMissing:
		status, env = http.StatusInternalServerError, failure(msgOutputMissing, "")
	case inference.KindTimeout:
		status, env = http.StatusInternalServerError, failure(msgTimeout, "")
	case inference.KindCanceled:
		status, env = statusClientClosedRequest, failure(msgCanceled, "")
	default:
		status, env = http.StatusInternalServerError, failure(msgProcessingFailed, "")
	}
	env.RequestID = result.RequestID
	return status, env
}

// errorEnvelope maps errors raised before an outcome existed.
func errorEnvelope(err error, maxBytes int64) (int, Envelope) {
	var rejected *usecase.ContentRejectedError
	switch {
	case errors.Is(err, ErrInputMissing):
		return http.StatusBadRequest, failure(msgNoImage, "")
	case errors.Is(err, ErrInputTooLarge):
		return http.StatusRequestEntityTooLarge, failure(msgTooLarge, fmt.Sprintf("limit is %d bytes", maxBytes))
	case errors.Is(err, ErrUnsupportedMediaType):
		return http.StatusUnsupportedMediaType, failure(msgUnsupportedType, "")
	case errors.As(err, &rejected):
		return http.StatusUnprocessableEntity, failure(msgContentRejected, string(rejected.Verdict.Reason))
	case errors.Is(err, content.ErrUndecodable), errors.Is(err, content.ErrEmptyImage):
		return http.StatusBadRequest, failure(msgUndecodable, "")
	case errors.Is(err, usecase.ErrBusy):
		return http.StatusServiceUnavailable, failure(msgBusy, "")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return statusClientClosedRequest, failure(msgCanceled, "")
	case errors.Is(err, artifact.ErrIO):
		return http.StatusInternalServerError, failure(msgProcessingFailed, "")
	default:
		return http.StatusInternalServerError, failure(msgProcessingFailed, "")
	}
}
