package core

import (
	"maps"
	"net/http"
)

// Params holds query parameters before they are rendered to strings.
type Params map[string]any

// Request describes one outbound call to a backend service.
type Request struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Query   Params            `json:"query,omitempty"`
	Body    any               `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	// Result, when set, receives the decoded JSON body of a successful response.
	Result any `json:"-"`
}

func NewRequest(method, path string) *Request {
	return &Request{
		Method:  method,
		Path:    path,
		Query:   make(Params),
		Headers: make(map[string]string),
	}
}

// Get is shorthand for NewRequest(http.MethodGet, path).
func Get(path string) *Request {
	return NewRequest(http.MethodGet, path)
}

// Post is shorthand for NewRequest(http.MethodPost, path) with body.
func Post(path string, body any) *Request {
	return NewRequest(http.MethodPost, path).SetBody(body)
}

func (r *Request) SetQuery(key string, value any) *Request {
	if r.Query == nil {
		r.Query = make(Params)
	}
	r.Query[key] = value
	return r
}

func (r *Request) SetBody(body any) *Request {
	r.Body = body
	return r
}

func (r *Request) SetHeader(key, value string) *Request {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[key] = value
	return r
}

func (r *Request) SetResult(result any) *Request {
	r.Result = result
	return r
}

func (r *Request) SetQueryParams(params Params) *Request {
	if r.Query == nil {
		r.Query = make(Params)
	}
	maps.Copy(r.Query, params)
	return r
}

// Clone returns a copy whose header and query maps can be modified independently.
// The body and result targets are shared.
func (r *Request) Clone() *Request {
	c := *r
	c.Query = maps.Clone(r.Query)
	c.Headers = maps.Clone(r.Headers)
	return &c
}
