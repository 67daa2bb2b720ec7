package tools

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxRESTResponse caps how much of a tool response body is read (1 MB);
// the remainder is discarded.
const maxRESTResponse = 1 << 20

// restClient is the shared bounded HTTP client for rest tools. Connection
// caps match the outbound channel clients so tool traffic cannot exhaust
// SNAT ports either.
type restClient struct {
	http *http.Client
}

func newRESTClient(timeout time.Duration) *restClient {
	return &restClient{
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
				MaxConnsPerHost: 50,
				MaxIdleConns:    10,
				IdleConnTimeout: 90 * time.Second,
			},
		},
	}
}

// restSpec is the declarative body of a rest tool definition. A pinned URL
// or method wins over whatever the model supplies.
type restSpec struct {
	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// restParams are the model-supplied arguments.
type restParams struct {
	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Query   map[string]string `json:"query,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

type restExecutor struct {
	spec   restSpec
	client *restClient
}

func newRESTExecutor(spec json.RawMessage, client *restClient) (*restExecutor, error) {
	var parsed restSpec
	if len(spec) > 0 && string(spec) != "null" {
		if err := json.Unmarshal(spec, &parsed); err != nil {
			return nil, fmt.Errorf("parse rest spec: %w", err)
		}
	}
	return &restExecutor{spec: parsed, client: client}, nil
}

func (e *restExecutor) run(ctx context.Context, params json.RawMessage, inv Invocation) (string, error) {
	var p restParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return "", fmt.Errorf("parse rest arguments: %w", err)
		}
	}

	target := e.spec.URL
	if target == "" {
		target = p.URL
	}
	if target == "" {
		return "", errors.New("rest tool requires a url")
	}
	parsed, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", target, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme %q", parsed.Scheme)
	}

	if len(p.Query) > 0 {
		query := parsed.Query()
		for key, value := range p.Query {
			query.Set(key, value)
		}
		parsed.RawQuery = query.Encode()
	}

	method := strings.ToUpper(e.spec.Method)
	if method == "" {
		method = strings.ToUpper(p.Method)
	}
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(p.Body) > 0 && method != http.MethodGet && method != http.MethodHead {
		body = bytes.NewReader(p.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, parsed.String(), body)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	for key, value := range e.spec.Headers {
		req.Header.Set(key, value)
	}
	for key, value := range p.Headers {
		req.Header.Set(key, value)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRESTResponse))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	// JSON bodies pass through untouched so the model sees structure;
	// anything else is wrapped as a string.
	payload := map[string]any{"status": resp.StatusCode}
	if json.Valid(raw) && len(raw) > 0 {
		payload["body"] = json.RawMessage(raw)
	} else {
		payload["body"] = string(raw)
	}

	out, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
