package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
	"resty.dev/v3"

	"educonnect/pkg/core"
)

// Response is a completed HTTP exchange with a 2xx status.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    map[string]string
}

// IsSuccess returns true if the response status code indicates success (2xx).
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Unmarshal parses the response body into v using sonic.
func (r *Response) Unmarshal(v any) error {
	return sonic.Unmarshal(r.Body, v)
}

// NewResty builds a resty client with sonic JSON codecs and request logging. Resty's own
// retries stay disabled: the only retry in this layer is the single one after a credential refresh.
func NewResty(baseURL string, timeout time.Duration, logger *zerolog.Logger) *resty.Client {
	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetTimeout(timeout)
	client.SetRetryCount(0)
	client.SetHeader("Accept", "application/json")
	client.AddContentTypeEncoder("application/json", func(w io.Writer, v any) error {
		data, err := sonic.Marshal(v)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	})
	client.AddContentTypeDecoder("application/json", func(r io.Reader, v any) error {
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		return sonic.Unmarshal(data, v)
	})

	client.AddRequestMiddleware(func(_ *resty.Client, req *resty.Request) error {
		logger.Debug().
			Str("method", req.Method).
			Str("url", req.URL).
			Msg("http request")
		return nil
	})
	client.AddResponseMiddleware(func(_ *resty.Client, resp *resty.Response) error {
		logger.Debug().
			Str("method", resp.Request.Method).
			Str("url", resp.Request.URL).
			Int("status", resp.StatusCode()).
			Msg("http response")
		return nil
	})
	return client
}

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// ErrorMessage extracts the server supplied message of an error response, falling back to
// the status text.
func ErrorMessage(status int, body []byte) string {
	var eb errorBody
	if len(body) > 0 && sonic.Unmarshal(body, &eb) == nil {
		if eb.Message != "" {
			return eb.Message
		}
		if eb.Error != "" {
			return eb.Error
		}
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return "status " + strconv.Itoa(status)
}

// Classify turns a resty outcome into a *core.APIError, or nil for a 2xx response.
func Classify(service string, resp *resty.Response, err error) error {
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return core.WrapAPIError(service, core.ErrorTypeTimeout, 0, err)
		default:
			return core.WrapAPIError(service, core.ErrorTypeNetwork, 0, err)
		}
	}
	if resp == nil {
		return core.NewAPIError(service, core.ErrorTypeNetwork, 0, "no response")
	}
	status := resp.StatusCode()
	if status >= 200 && status < 300 {
		return nil
	}
	return core.NewAPIError(service, core.ErrorTypeForStatus(status), status, ErrorMessage(status, resp.Bytes()))
}

func paramsToStringMap(params core.Params) map[string]string {
	result := make(map[string]string, len(params))
	for k, v := range params {
		switch val := v.(type) {
		case string:
			result[k] = val
		case int:
			result[k] = strconv.Itoa(val)
		case int64:
			result[k] = strconv.FormatInt(val, 10)
		case float64:
			result[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			result[k] = strconv.FormatBool(val)
		default:
			result[k] = fmt.Sprintf("%v", val)
		}
	}
	return result
}

func flattenHeaders(h http.Header) map[string]string {
	headers := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	return headers
}
