package cluster

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dreamware/subdb/internal/dberr"
)

// ContentType is the media type of every relay body.
const ContentType = "application/msgpack"

// ErrorResponse is the body of a non-2xx relay response.
type ErrorResponse struct {
	Code    string `msgpack:"code"`
	Message string `msgpack:"message"`
}

// Relay performs msgpack request/response calls between actors. Transport
// failures and bodiless 5xx responses are retried with exponential backoff;
// error envelopes from the peer are returned as-is, without retrying.
type Relay struct {
	client     *http.Client
	maxRetries uint64
	interval   time.Duration
}

// NewRelay creates a relay with a per-attempt timeout and a retry budget.
func NewRelay(timeout time.Duration, maxRetries uint64) *Relay {
	return &Relay{
		client:     &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		interval:   100 * time.Millisecond,
	}
}

// Post sends body to url and decodes the response into out (if non-nil).
func (r *Relay) Post(ctx context.Context, url string, body any, out any) error {
	reqBody, err := msgpack.Marshal(body)
	if err != nil {
		return errors.Wrapf(err, "encode request for %s", url)
	}
	return r.do(ctx, http.MethodPost, url, reqBody, out)
}

// Get fetches url and decodes the response into out (if non-nil).
func (r *Relay) Get(ctx context.Context, url string, out any) error {
	return r.do(ctx, http.MethodGet, url, nil, out)
}

func (r *Relay) do(ctx context.Context, method, url string, body []byte, out any) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.interval
	b := backoff.WithContext(backoff.WithMaxRetries(policy, r.maxRetries), ctx)

	err := backoff.Retry(func() error {
		return r.attempt(ctx, method, url, body, out)
	}, b)
	if err == nil {
		return nil
	}
	var pe *peerError
	if errors.As(err, &pe) {
		return pe.err
	}
	if dberr.Code(err) != dberr.CodeInternal {
		return err
	}
	return errors.Wrapf(dberr.ErrPartitionUnavailable, "%s %s: %v", method, url, err)
}

func (r *Relay) attempt(ctx context.Context, method, url string, body []byte, out any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return backoff.Permanent(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", ContentType)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var envelope ErrorResponse
		if decodeErr := msgpack.NewDecoder(resp.Body).Decode(&envelope); decodeErr == nil && envelope.Code != "" {
			return backoff.Permanent(&peerError{err: dberr.FromCode(envelope.Code, envelope.Message)})
		}
		statusErr := fmt.Errorf("http %s: %d", url, resp.StatusCode)
		if resp.StatusCode >= 500 {
			return statusErr
		}
		return backoff.Permanent(statusErr)
	}
	if out == nil {
		return nil
	}
	if err := msgpack.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(errors.Wrapf(err, "decode response from %s", url))
	}
	return nil
}

// peerError carries an error the peer reported in an envelope. The peer
// answered, so it is never turned into ErrPartitionUnavailable.
type peerError struct{ err error }

func (e *peerError) Error() string { return e.err.Error() }
func (e *peerError) Unwrap() error { return e.err }

// ReadMsgpack decodes a request body.
func ReadMsgpack(r *http.Request, v any) error {
	return msgpack.NewDecoder(r.Body).Decode(v)
}

// WriteMsgpack encodes v as the response body.
func WriteMsgpack(w http.ResponseWriter, status int, v any) error {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(status)
	_, err = w.Write(b)
	return err
}

// WriteError writes err as an ErrorResponse with a status derived from its
// taxonomy code.
func WriteError(w http.ResponseWriter, err error) {
	code := dberr.Code(err)
	_ = WriteMsgpack(w, statusFor(code), ErrorResponse{Code: code, Message: err.Error()})
}

func statusFor(code string) int {
	switch code {
	case dberr.CodeNotFound:
		return http.StatusNotFound
	case dberr.CodeCapacityExceeded:
		return http.StatusInsufficientStorage
	case dberr.CodeUnauthorized:
		return http.StatusForbidden
	case dberr.CodeBusy:
		return http.StatusConflict
	case dberr.CodeMalformedValue:
		return http.StatusBadRequest
	case dberr.CodePartitionUnavailable:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
