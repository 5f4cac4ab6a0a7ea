// Reader is a testing facility to read the output of a http reporter.

package reporter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/TEENet-io/ramp-go/idempotency"
	"github.com/TEENet-io/ramp-go/quote"
	"github.com/TEENet-io/ramp-go/ramp"
)

type HttpReader struct {
	serverIP   string // listen ip
	serverPort string // listen port
	apiKey     string
}

func NewHttpReader(serverIP string, serverPort string) *HttpReader {
	return &HttpReader{
		serverIP:   serverIP,
		serverPort: serverPort,
	}
}

// SetAPIKey sends key in X-API-Key with every request.
func (hr *HttpReader) SetAPIKey(key string) {
	hr.apiKey = key
}

// HttpError is a non 2xx answer.
type HttpError struct {
	Status int
	Body   string
}

func (e *HttpError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

func (hr *HttpReader) url(route string) string {
	return "http://" + hr.serverIP + ":" + hr.serverPort + route
}

// do sends body as json and decodes a 2xx answer into out. The replayed
// flag tells whether the answer came from the idempotency store.
func (hr *HttpReader) do(method, route string, body interface{}, headers map[string]string, out interface{}) (bool, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return false, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, hr.url(route), reader)
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if hr.apiKey != "" {
		req.Header.Set(HEADER_API_KEY, hr.apiKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	// Read the response body
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, &HttpError{Status: resp.StatusCode, Body: string(data)}
	}
	replayed := resp.Header.Get(idempotency.HeaderReplayed) == "true"
	if out == nil {
		return replayed, nil
	}
	return replayed, json.Unmarshal(data, out)
}

func (hr *HttpReader) GetHealth() (string, error) {
	resp, err := http.Get(hr.url(ROUTE_HEALTH))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (hr *HttpReader) CreateQuote(req *QuoteRequest) (*quote.Ticket, error) {
	t := &quote.Ticket{}
	_, err := hr.do(http.MethodPost, ROUTE_QUOTES, req, nil, t)
	return t, err
}

// Register posts req under the idempotency key, if not empty.
func (hr *HttpReader) Register(key string, req *ramp.RegisterRequest) (*RampView, bool, error) {
	headers := map[string]string{}
	if key != "" {
		headers[idempotency.HeaderKey] = key
	}
	v := &RampView{}
	replayed, err := hr.do(http.MethodPost, ROUTE_REGISTER, req, headers, v)
	return v, replayed, err
}

func (hr *HttpReader) GetRamp(id string) (*RampView, error) {
	v := &RampView{}
	_, err := hr.do(http.MethodGet, strings.Replace(ROUTE_RAMP, ":id", id, 1), nil, nil, v)
	return v, err
}

func (hr *HttpReader) Cancel(id, reason string) (*RampView, error) {
	v := &RampView{}
	_, err := hr.do(http.MethodPost, strings.Replace(ROUTE_CANCEL, ":id", id, 1), &CancelRequest{Reason: reason}, nil, v)
	return v, err
}
