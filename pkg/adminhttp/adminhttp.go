// Package adminhttp holds the JSON-over-HTTP plumbing shared by the node and
// broker admin protocols.  Classified errors travel as an ErrorResponse body
// and are decoded back into adminerrors on the client side.
package adminhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/ryedb/shardadmin/adminerrors"
	"go.uber.org/zap"
)

type ErrorResponse struct {
	Kind    string `json:"kind"`
	Entity  string `json:"entity,omitempty"`
	Message string `json:"message"`
}

func statusForKind(kind error) int {
	switch kind {
	case adminerrors.ErrConflict:
		return http.StatusConflict
	case adminerrors.ErrAuthDenied:
		return http.StatusForbidden
	case adminerrors.ErrSchemaMismatch:
		return http.StatusNotFound
	case adminerrors.ErrTimeout:
		return http.StatusGatewayTimeout
	case adminerrors.ErrUnreachable, adminerrors.ErrBrokerDown:
		return http.StatusServiceUnavailable
	case adminerrors.ErrRejected:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func WriteJSON(logger *zap.Logger, w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if v == nil {
		return
	}

	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		logger.Debug("failed to write admin response", zap.Error(err))
	}
}

func WriteError(logger *zap.Logger, w http.ResponseWriter, err error) {
	kind := adminerrors.KindOf(err)

	msg := err.Error()
	var classified *adminerrors.Error
	if errors.As(err, &classified) && classified.Err != nil {
		msg = classified.Err.Error()
	}

	WriteJSON(logger, w, statusForKind(kind), &ErrorResponse{
		Kind:    kind.Error(),
		Entity:  adminerrors.EntityOf(err),
		Message: msg,
	})
}

// DecodeJSON reads a request body.  Malformed bodies are reported as
// adminerrors.ErrRejected.
func DecodeJSON(r *http.Request, v interface{}) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil {
		return adminerrors.New(adminerrors.ErrRejected, "", errors.Wrap(err, "malformed request body"))
	}
	return nil
}

type ClientOptions struct {
	HTTPClient *http.Client
	Timeout    time.Duration
}

type Client struct {
	httpClient *http.Client
}

func NewClient(opts ClientOptions) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{httpClient: httpClient}
}

func classifyTransportError(ctx context.Context, entity string, err error) error {
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return adminerrors.New(adminerrors.ErrCancelled, entity, err)
		}
		return adminerrors.New(adminerrors.ErrTimeout, entity, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return adminerrors.New(adminerrors.ErrTimeout, entity, err)
	}

	return adminerrors.New(adminerrors.ErrUnreachable, entity, err)
}

type RequestOption func(req *http.Request)

func WithBasicAuth(user, password string) RequestOption {
	return func(req *http.Request) {
		req.SetBasicAuth(user, password)
	}
}

// Do sends in as the JSON body of a request to host and decodes the reply
// into out.  Either may be nil.
func (c *Client) Do(ctx context.Context, method, host, path string, in, out interface{}, opts ...RequestOption) error {
	url := "http://" + host + path

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return adminerrors.New(adminerrors.ErrUnexpected, host, errors.Wrap(err, "failed to encode request"))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return adminerrors.New(adminerrors.ErrUnexpected, host, errors.Wrap(err, "failed to build request"))
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, opt := range opts {
		opt(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(ctx, host, errors.Wrapf(err, "%s %s", method, path))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errResp ErrorResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&errResp)
		if decodeErr != nil || errResp.Kind == "" {
			return adminerrors.Newf(adminerrors.ErrUnexpected, host,
				method+" "+path+": unexpected status "+resp.Status)
		}

		entity := errResp.Entity
		if entity == "" {
			entity = host
		}
		return adminerrors.Newf(adminerrors.KindByName(errResp.Kind), entity, errResp.Message)
	}

	if out == nil {
		return nil
	}

	err = json.NewDecoder(resp.Body).Decode(out)
	if err != nil {
		return classifyTransportError(ctx, host, errors.Wrapf(err, "failed to decode reply to %s %s", method, path))
	}

	return nil
}
