package tool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/patternflow/agentflow/template"
)

// HTTPTool is a declaratively-bound HTTP call: method, URL, headers, and
// body are templates fixed at construction time (rendered via the same
// template package the engine uses for prompts and artifacts), not taken
// verbatim from whatever the model passes in a tool call. This closes off
// the SSRF surface a "give me any URL and I'll fetch it" tool would open
// to an LLM — the model only ever supplies the named inputs the templates
// reference (under the "input" namespace), never the endpoint itself.
//
// Example: a tool bound to a weather API —
//
//	tool := NewHTTPTool(HTTPToolConfig{
//	    Name:         "get_weather",
//	    Method:       "GET",
//	    URLTemplate:  "https://api.weather.example/v1/{{ input.location }}",
//	    AllowedHosts: []string{"api.weather.example"},
//	})
//	out, err := tool.Call(ctx, map[string]interface{}{"location": "paris"})
type HTTPTool struct {
	name            string
	method          string
	urlTemplate     string
	headerTemplates map[string]string
	bodyTemplate    string
	allowedHosts    []string
	client          *http.Client
}

// HTTPToolConfig binds one HTTPTool instance. AllowedHosts is empty only
// for tests and local tools with no remote call surface — a spec loader
// should reject an http tool binding with no allow-list before it ever
// reaches the engine.
type HTTPToolConfig struct {
	Name            string
	Method          string // defaults to GET
	URLTemplate     string
	HeaderTemplates map[string]string
	BodyTemplate    string
	AllowedHosts    []string
}

// NewHTTPTool builds an HTTPTool from cfg.
func NewHTTPTool(cfg HTTPToolConfig) *HTTPTool {
	return &HTTPTool{
		name:            cfg.Name,
		method:          cfg.Method,
		urlTemplate:     cfg.URLTemplate,
		headerTemplates: cfg.HeaderTemplates,
		bodyTemplate:    cfg.BodyTemplate,
		allowedHosts:    cfg.AllowedHosts,
		client:          &http.Client{}, // timeout is the caller's ctx
	}
}

func (h *HTTPTool) Name() string {
	return h.name
}

// Call renders the bound templates against input (available as
// "{{ input.<key> }}"), checks the resolved host against the allow-list,
// and executes the request.
func (h *HTTPTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	data := map[string]any{"input": input}

	rawURL, err := template.Render(h.urlTemplate, data)
	if err != nil {
		return nil, fmt.Errorf("render url template: %w", err)
	}
	if err := h.checkHostAllowed(rawURL); err != nil {
		return nil, err
	}

	method := h.method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if h.bodyTemplate != "" {
		rendered, err := template.Render(h.bodyTemplate, data)
		if err != nil {
			return nil, fmt.Errorf("render body template: %w", err)
		}
		body = strings.NewReader(rendered)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for key, tpl := range h.headerTemplates {
		v, err := template.Render(tpl, data)
		if err != nil {
			return nil, fmt.Errorf("render header %q template: %w", key, err)
		}
		req.Header.Set(key, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	respHeaders := make(map[string]interface{}, len(resp.Header))
	for key, values := range resp.Header {
		if len(values) == 1 {
			respHeaders[key] = values[0]
		} else {
			respHeaders[key] = values
		}
	}

	return map[string]interface{}{
		"status_code": resp.StatusCode,
		"headers":     respHeaders,
		"body":        string(respBody),
	}, nil
}

// checkHostAllowed enforces AllowedHosts against the rendered URL's host.
// An empty allow-list permits any host (caller's explicit opt-out).
func (h *HTTPTool) checkHostAllowed(rawURL string) error {
	if len(h.allowedHosts) == 0 {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse rendered url %q: %w", rawURL, err)
	}
	host := u.Hostname()
	for _, pattern := range h.allowedHosts {
		if hostMatchesPattern(host, pattern) {
			return nil
		}
	}
	return fmt.Errorf("host %q is not in the tool's allow-list", host)
}

// hostMatchesPattern supports an exact host or a "*.example.com" wildcard
// matching any direct subdomain (not the bare apex).
func hostMatchesPattern(host, pattern string) bool {
	if host == pattern {
		return true
	}
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return strings.HasSuffix(host, "."+suffix)
	}
	return false
}
