package connector

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func genericDef(baseURL string) *Definition {
	return &Definition{
		ID:      "crm",
		Name:    "CRM",
		BaseURL: baseURL,
		Auth:    AuthDescriptor{Type: "api_key"},
		Actions: []FunctionDef{
			{
				ID:   "create_contact",
				Kind: FunctionKindAction,
				Endpoint: &EndpointTemplate{
					Method: "POST",
					Path:   "/contacts/{{list_id}}",
					Query:  map[string]string{"notify": "{{notify}}"},
					Body:   json.RawMessage(`{"email":"{{email}}","tags":"{{tags}}","static":true}`),
				},
			},
		},
		Triggers: []FunctionDef{
			{
				ID:   "new_contacts",
				Kind: FunctionKindTrigger,
				Endpoint: &EndpointTemplate{
					Method: "GET",
					Path:   "/contacts",
					Query:  map[string]string{"since": "{{since}}"},
				},
			},
		},
	}
}

func TestGenericClientExecute(t *testing.T) {
	var captured struct {
		path   string
		query  string
		body   map[string]any
		header http.Header
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.path = r.URL.Path
		captured.query = r.URL.RawQuery
		captured.header = r.Header.Clone()
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &captured.body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"c-1"}`))
	}))
	defer server.Close()

	client := NewGenericClient(genericDef(server.URL))
	creds := &Credentials{Values: map[string]any{"api_key": "k-123"}}

	result, err := client.Execute(context.Background(), "create_contact", map[string]any{
		"list_id": "vip",
		"notify":  true,
		"email":   "ada@example.com",
		"tags":    []any{"a", "b"},
	}, creds, CallOptions{IdempotencyKey: "ex-1:node-1"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, http.StatusCreated, result.StatusCode)
	assert.Equal(t, map[string]any{"id": "c-1"}, result.Data)
	assert.Positive(t, result.ExecutionTime)

	assert.Equal(t, "/contacts/vip", captured.path)
	assert.Contains(t, captured.query, "notify=true")
	assert.Equal(t, "ada@example.com", captured.body["email"])
	// An exact-match template keeps the raw value type.
	assert.Equal(t, []any{"a", "b"}, captured.body["tags"])
	assert.Equal(t, true, captured.body["static"])
	assert.Equal(t, "ex-1:node-1", captured.header.Get("Idempotency-Key"))
	assert.Equal(t, "Bearer k-123", captured.header.Get("Authorization"))
}

func TestGenericClientSurfacesStatusCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewGenericClient(genericDef(server.URL))
	result, err := client.Execute(context.Background(), "create_contact", map[string]any{}, nil, CallOptions{})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, http.StatusBadGateway, result.StatusCode)
	assert.Contains(t, result.Error, "502")
}

func TestGenericClientPoll(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2024-05-01T00:00:00Z", r.URL.Query().Get("since"))
		w.Write([]byte(`{"items":[{"id":"A"},{"id":"B"}],"page":"next-2"}`))
	}))
	defer server.Close()

	client := NewGenericClient(genericDef(server.URL)).(*GenericClient)
	result, err := client.Poll(context.Background(), "new_contacts", map[string]any{"since": "2024-05-01T00:00:00Z"}, nil)
	require.NoError(t, err)
	require.Len(t, result.Items, 2)
	assert.Equal(t, "A", result.Items[0]["id"])
	assert.Equal(t, "next-2", result.Page)
}

func TestGenericClientRefusesDisallowedHost(t *testing.T) {
	client := NewGenericClient(genericDef("https://api.crm.example"))
	creds := &Credentials{
		Values:        map[string]any{"api_key": "k"},
		NetworkPolicy: &NetworkPolicy{AllowedDomains: []string{"other.example"}},
	}

	_, err := client.Execute(context.Background(), "create_contact", map[string]any{}, creds, CallOptions{})
	var egress *EgressError
	require.ErrorAs(t, err, &egress)
	assert.True(t, strings.Contains(egress.Error(), "api.crm.example"))
}

func TestGenericClientUnknownFunction(t *testing.T) {
	client := NewGenericClient(genericDef("https://api.crm.example"))
	_, err := client.Execute(context.Background(), "nope", map[string]any{}, nil, CallOptions{})
	assert.Error(t, err)
}

func TestNetworkPolicyAllowsHost(t *testing.T) {
	tests := []struct {
		name   string
		policy *NetworkPolicy
		host   string
		want   bool
	}{
		{"nil policy allows all", nil, "anywhere.example", true},
		{"empty policy allows all", &NetworkPolicy{}, "anywhere.example", true},
		{"exact domain", &NetworkPolicy{AllowedDomains: []string{"api.example.com"}}, "api.example.com", true},
		{"subdomain", &NetworkPolicy{AllowedDomains: []string{"example.com"}}, "api.example.com", true},
		{"suffix is not subdomain", &NetworkPolicy{AllowedDomains: []string{"example.com"}}, "notexample.com", false},
		{"host with port", &NetworkPolicy{AllowedDomains: []string{"example.com"}}, "example.com:8443", true},
		{"cidr match", &NetworkPolicy{AllowedIPRanges: []string{"10.0.0.0/8"}}, "10.20.30.40", true},
		{"cidr miss", &NetworkPolicy{AllowedIPRanges: []string{"10.0.0.0/8"}}, "192.168.1.1", false},
		{"denied when lists present", &NetworkPolicy{AllowedDomains: []string{"a.example"}}, "b.example", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.AllowsHost(tt.host))
		})
	}
}
