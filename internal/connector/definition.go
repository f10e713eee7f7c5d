package connector

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Availability represents the effective runnability of a connector
type Availability string

const (
	AvailabilityStable       Availability = "stable"
	AvailabilityExperimental Availability = "experimental"
	AvailabilityDisabled     Availability = "disabled"
)

// FunctionKind distinguishes actions from triggers
type FunctionKind string

const (
	FunctionKindAction  FunctionKind = "action"
	FunctionKindTrigger FunctionKind = "trigger"
)

// FunctionDef describes a single operation a connector exposes
type FunctionDef struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Kind        FunctionKind    `json:"-"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	// Endpoint describes the HTTP call template used by the generic client.
	Endpoint *EndpointTemplate `json:"endpoint,omitempty"`
	// Runtimes lists the native runtime ids; Fallbacks the fallback runtime ids.
	Runtimes  []string `json:"runtimes,omitempty"`
	Fallbacks []string `json:"fallbacks,omitempty"`
	// SampleOutput seeds trigger dry-runs.
	SampleOutput json.RawMessage `json:"sample_output,omitempty"`
}

// EndpointTemplate is a JSON-declared HTTP call for the generic client
type EndpointTemplate struct {
	Method string            `json:"method"`
	Path   string            `json:"path"`
	Query  map[string]string `json:"query,omitempty"`
	Body   json.RawMessage   `json:"body,omitempty"`
}

// AuthDescriptor describes how a connector authenticates
type AuthDescriptor struct {
	Type   string   `json:"type"` // oauth2, api_key, basic, none
	Fields []string `json:"fields,omitempty"`
}

// RateLimitHints carries vendor-declared throughput hints
type RateLimitHints struct {
	RequestsPerMinute int `json:"requests_per_minute,omitempty"`
	// MaxConcurrent caps concurrent executions touching this connector (0 = unset).
	MaxConcurrent int `json:"max_concurrent,omitempty"`
}

// Definition is a JSON connector definition loaded from the manifest
type Definition struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Category     string         `json:"category,omitempty"`
	Availability Availability   `json:"availability"`
	Hidden       bool           `json:"hidden,omitempty"`
	// PricingTier is the minimum plan required (free, starter, pro, enterprise, enterprise_plus).
	PricingTier string          `json:"pricing_tier,omitempty"`
	BaseURL     string          `json:"base_url,omitempty"`
	Auth        AuthDescriptor  `json:"authentication"`
	RateLimits  *RateLimitHints `json:"rate_limits,omitempty"`
	Actions     []FunctionDef   `json:"actions"`
	Triggers    []FunctionDef   `json:"triggers"`
	// SignatureTemplate names the webhook signature scheme for this connector.
	SignatureTemplate string `json:"signature_template,omitempty"`
}

// LoadManifest reads all connector definitions from a directory of JSON files.
// Files are read in lexical order so registration is deterministic.
func LoadManifest(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read connector manifest dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	definitions := make([]*Definition, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read connector definition %s: %w", name, err)
		}
		var def Definition
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("failed to parse connector definition %s: %w", name, err)
		}
		if def.ID == "" {
			return nil, fmt.Errorf("connector definition %s has no id", name)
		}
		for i := range def.Actions {
			def.Actions[i].Kind = FunctionKindAction
		}
		for i := range def.Triggers {
			def.Triggers[i].Kind = FunctionKindTrigger
		}
		definitions = append(definitions, &def)
	}
	return definitions, nil
}

// FunctionType composes the node type string for a connector operation,
// e.g. "action.slack.send_message".
func FunctionType(kind FunctionKind, connectorID, functionID string) string {
	return fmt.Sprintf("%s.%s.%s", kind, connectorID, functionID)
}

// ParseFunctionType splits "action.<app>.<fn>" into its parts.
func ParseFunctionType(nodeType string) (kind FunctionKind, connectorID, functionID string, err error) {
	parts := strings.SplitN(nodeType, ".", 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("malformed function type %q", nodeType)
	}
	switch FunctionKind(parts[0]) {
	case FunctionKindAction, FunctionKindTrigger:
		return FunctionKind(parts[0]), parts[1], parts[2], nil
	default:
		return "", "", "", fmt.Errorf("unknown function kind %q", parts[0])
	}
}
