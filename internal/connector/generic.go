package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	genericTimeout      = 30 * time.Second
	genericMaxBodyBytes = 10 << 20
)

var templateVarRegex = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// GenericClient speaks a vendor API described entirely by the connector's
// JSON endpoint templates. It implements both Client and Poller.
type GenericClient struct {
	def        *Definition
	httpClient *http.Client
}

// NewGenericClient constructs the generic HTTP executor for a definition.
func NewGenericClient(def *Definition) Client {
	return &GenericClient{
		def: def,
		httpClient: &http.Client{
			Timeout: genericTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// TestConnection performs a GET against the base URL with auth applied.
func (c *GenericClient) TestConnection(ctx context.Context, creds *Credentials) (*Result, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.def.BaseURL, nil)
	if err != nil {
		return &Result{Success: false, Error: err.Error(), ExecutionTime: time.Since(start)}, nil
	}
	if err := c.prepare(req, creds, ""); err != nil {
		return &Result{Success: false, Error: err.Error(), ExecutionTime: time.Since(start)}, nil
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Result{Success: false, Error: err.Error(), ExecutionTime: time.Since(start)}, nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, genericMaxBodyBytes))

	return &Result{
		Success:       resp.StatusCode < 400,
		StatusCode:    resp.StatusCode,
		ExecutionTime: time.Since(start),
	}, nil
}

// Execute renders the declared endpoint template for functionID and performs the call.
func (c *GenericClient) Execute(ctx context.Context, functionID string, params map[string]any, creds *Credentials, opts CallOptions) (*Result, error) {
	fn := c.findFunction(functionID, FunctionKindAction)
	if fn == nil {
		return nil, fmt.Errorf("connector %s has no action %s", c.def.ID, functionID)
	}
	if fn.Endpoint == nil {
		return nil, fmt.Errorf("action %s.%s declares no endpoint template", c.def.ID, functionID)
	}
	return c.call(ctx, fn.Endpoint, params, creds, opts.IdempotencyKey)
}

// Poll renders the declared endpoint template for a polling trigger.
func (c *GenericClient) Poll(ctx context.Context, functionID string, params map[string]any, creds *Credentials) (*PollResult, error) {
	fn := c.findFunction(functionID, FunctionKindTrigger)
	if fn == nil {
		return nil, fmt.Errorf("connector %s has no trigger %s", c.def.ID, functionID)
	}
	if fn.Endpoint == nil {
		return nil, fmt.Errorf("trigger %s.%s declares no endpoint template", c.def.ID, functionID)
	}

	result, err := c.call(ctx, fn.Endpoint, params, creds, "")
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("poll %s.%s failed with status %d: %s", c.def.ID, functionID, result.StatusCode, result.Error)
	}

	return extractItems(result.Data), nil
}

func (c *GenericClient) findFunction(functionID string, kind FunctionKind) *FunctionDef {
	fns := c.def.Actions
	if kind == FunctionKindTrigger {
		fns = c.def.Triggers
	}
	for i := range fns {
		if fns[i].ID == functionID {
			return &fns[i]
		}
	}
	return nil
}

func (c *GenericClient) call(ctx context.Context, endpoint *EndpointTemplate, params map[string]any, creds *Credentials, idempotencyKey string) (*Result, error) {
	start := time.Now()

	path := renderTemplate(endpoint.Path, params)
	target, err := url.Parse(strings.TrimSuffix(c.def.BaseURL, "/") + "/" + strings.TrimPrefix(path, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to build request URL: %w", err)
	}
	if len(endpoint.Query) > 0 {
		q := target.Query()
		for key, tmpl := range endpoint.Query {
			if value := renderTemplate(tmpl, params); value != "" {
				q.Set(key, value)
			}
		}
		target.RawQuery = q.Encode()
	}

	if creds != nil && !creds.NetworkPolicy.AllowsHost(target.Host) {
		return nil, &EgressError{Host: target.Host}
	}

	var body io.Reader
	if len(endpoint.Body) > 0 {
		rendered, err := renderBody(endpoint.Body, params)
		if err != nil {
			return nil, fmt.Errorf("failed to render request body: %w", err)
		}
		body = bytes.NewReader(rendered)
	}

	method := endpoint.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.prepare(req, creds, idempotencyKey); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Result{Success: false, Error: err.Error(), ExecutionTime: time.Since(start)}, nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, genericMaxBodyBytes))
	if err != nil {
		return &Result{Success: false, StatusCode: resp.StatusCode, Error: err.Error(), ExecutionTime: time.Since(start)}, nil
	}

	var data any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			data = string(raw)
		}
	}

	result := &Result{
		Success:       resp.StatusCode < 400,
		Data:          data,
		StatusCode:    resp.StatusCode,
		ExecutionTime: time.Since(start),
	}
	if !result.Success {
		result.Error = fmt.Sprintf("%s returned status %d", c.def.ID, resp.StatusCode)
	}
	return result, nil
}

// prepare applies authentication and idempotency headers.
func (c *GenericClient) prepare(req *http.Request, creds *Credentials, idempotencyKey string) error {
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if creds == nil {
		return nil
	}
	switch c.def.Auth.Type {
	case "api_key":
		key, _ := creds.Values["api_key"].(string)
		if key == "" {
			return fmt.Errorf("credentials missing api_key")
		}
		header, _ := creds.Values["api_key_header"].(string)
		if header == "" {
			header = "Authorization"
			key = "Bearer " + key
		}
		req.Header.Set(header, key)
	case "oauth2":
		token, _ := creds.Values["access_token"].(string)
		if token == "" {
			return fmt.Errorf("credentials missing access_token")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	case "basic":
		user, _ := creds.Values["username"].(string)
		pass, _ := creds.Values["password"].(string)
		req.SetBasicAuth(user, pass)
	}
	return nil
}

// renderTemplate substitutes {{param}} references with stringified values.
func renderTemplate(template string, params map[string]any) string {
	return templateVarRegex.ReplaceAllStringFunc(template, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-2])
		value, ok := lookupParam(params, name)
		if !ok {
			return ""
		}
		return stringify(value)
	})
}

// renderBody walks the declared body template replacing {{param}} leaves.
func renderBody(template json.RawMessage, params map[string]any) ([]byte, error) {
	var parsed any
	if err := json.Unmarshal(template, &parsed); err != nil {
		return nil, err
	}
	return json.Marshal(renderValue(parsed, params))
}

func renderValue(value any, params map[string]any) any {
	switch v := value.(type) {
	case string:
		// A string that is exactly one template reference keeps the raw type.
		if m := templateVarRegex.FindStringSubmatch(v); m != nil && m[0] == v {
			if resolved, ok := lookupParam(params, m[1]); ok {
				return resolved
			}
			return nil
		}
		return renderTemplate(v, params)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			out[key] = renderValue(val, params)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = renderValue(val, params)
		}
		return out
	default:
		return v
	}
}

func lookupParam(params map[string]any, path string) (any, bool) {
	current := any(params)
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	case float64, int, int64, bool:
		return fmt.Sprintf("%v", v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}

// extractItems normalizes a poll response into a PollResult. Accepts either
// a bare array or an object with an items/data/results array.
func extractItems(data any) *PollResult {
	switch v := data.(type) {
	case []any:
		return &PollResult{Items: toItemMaps(v)}
	case map[string]any:
		for _, key := range []string{"items", "data", "results"} {
			if arr, ok := v[key].([]any); ok {
				result := &PollResult{Items: toItemMaps(arr)}
				if page, ok := v["page"].(string); ok {
					result.Page = page
				}
				return result
			}
		}
	}
	return &PollResult{}
}

func toItemMaps(arr []any) []map[string]any {
	items := make([]map[string]any, 0, len(arr))
	for _, entry := range arr {
		if m, ok := entry.(map[string]any); ok {
			items = append(items, m)
		} else {
			items = append(items, map[string]any{"value": entry})
		}
	}
	return items
}
