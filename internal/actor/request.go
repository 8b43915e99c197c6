package actor

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Request is the serializable form of an HTTP request delivered to an
// object. WebSocket is set only for a local upgrade request.
type Request struct {
	Method    string      `json:"method"`
	URL       string      `json:"url"`
	Header    http.Header `json:"header,omitempty"`
	Body      []byte      `json:"body,omitempty"`
	WebSocket WebSocket   `json:"-"`
}

// Response is what an object answers a Request with.
type Response struct {
	Status int         `json:"status"`
	Header http.Header `json:"header,omitempty"`
	Body   []byte      `json:"body,omitempty"`
}

func NewRequest(method, rawURL string, body []byte) *Request {
	if method == "" {
		method = http.MethodGet
	}
	return &Request{Method: method, URL: rawURL, Header: http.Header{}, Body: body}
}

// RequestFromHTTP reads r's body, at most maxBody bytes when maxBody > 0.
func RequestFromHTTP(r *http.Request, maxBody int64) (*Request, error) {
	var body io.Reader = r.Body
	if maxBody > 0 {
		body = io.LimitReader(r.Body, maxBody+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("actor: read request body: %w", err)
	}
	if maxBody > 0 && int64(len(data)) > maxBody {
		return nil, ErrBodyTooLarge
	}
	if len(data) == 0 {
		data = nil
	}
	return &Request{
		Method: r.Method,
		URL:    r.URL.String(),
		Header: r.Header.Clone(),
		Body:   data,
	}, nil
}

// Path is the URL path, or "/" when the URL cannot be parsed.
func (r *Request) Path() string {
	u, err := url.Parse(r.URL)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

func (r *Request) Query() url.Values {
	u, err := url.Parse(r.URL)
	if err != nil {
		return url.Values{}
	}
	return u.Query()
}

func (r *Request) Text() string {
	return string(r.Body)
}

func (r *Request) DecodeJSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("actor: decode request body: %w", err)
	}
	return nil
}

// IsUpgrade reports whether the client asked for a WebSocket.
func (r *Request) IsUpgrade() bool {
	return r.WebSocket != nil
}

func Text(status int, body string) *Response {
	h := http.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return &Response{Status: status, Header: h, Body: []byte(body)}
}

// JSON encodes v; an encode failure becomes a 500 response.
func JSON(status int, v any) *Response {
	data, err := json.Marshal(v)
	if err != nil {
		return Text(http.StatusInternalServerError, err.Error())
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return &Response{Status: status, Header: h, Body: data}
}

// SwitchingProtocols is the answer to an accepted WebSocket upgrade.
func SwitchingProtocols() *Response {
	return &Response{Status: http.StatusSwitchingProtocols, Header: http.Header{}}
}

func (r *Response) Text() string {
	return string(r.Body)
}

func (r *Response) Write(w http.ResponseWriter) error {
	for k, vs := range r.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(r.Body) == 0 {
		return nil
	}
	_, err := w.Write(r.Body)
	return err
}
