package llm

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/nikhilbhutani/jobpipeline/internal/joberr"
	openai "github.com/sashabaranov/go-openai"
)

// classify tags a provider error with the kind that decides whether the call
// is retried.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return joberr.Wrap(kindForStatus(apiErr.HTTPStatusCode), err, op)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return joberr.Wrap(kindForStatus(reqErr.HTTPStatusCode), err, op)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return joberr.Wrap(joberr.KindTransient, err, op)
	}
	return joberr.Wrap(joberr.KindInternal, err, op)
}

func kindForStatus(status int) joberr.Kind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return joberr.KindCredential
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status == 0:
		return joberr.KindTransient
	case status >= 500:
		return joberr.KindTransient
	case status >= 400:
		return joberr.KindInvalidRequest
	}
	return joberr.KindInternal
}
