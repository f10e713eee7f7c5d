package workflow

import (
	"encoding/json"
	"strings"
	"time"
)

// Workflow is a stored workflow definition
type Workflow struct {
	ID             string          `db:"id" json:"id"`
	OrganizationID string          `db:"organization_id" json:"organization_id"`
	Name           string          `db:"name" json:"name"`
	Description    string          `db:"description" json:"description"`
	Graph          json.RawMessage `db:"graph" json:"graph"`
	Status         string          `db:"status" json:"status"`
	Version        int             `db:"version" json:"version"`
	CreatedBy      string          `db:"created_by" json:"created_by"`
	Metadata       json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// Role is the execution role prefix of a node type
type Role string

const (
	RoleTrigger   Role = "trigger"
	RoleAction    Role = "action"
	RoleTransform Role = "transform"
	RoleCondition Role = "condition"
	RoleLoop      Role = "loop"
)

// Graph is the node/edge structure of a workflow
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Position is the canvas position of a node (UI only)
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NodeData holds the configurable payload of a node
type NodeData struct {
	Label        string         `json:"label,omitempty"`
	App          string         `json:"app,omitempty"`
	Function     string         `json:"function,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	ConnectionID string         `json:"connectionId,omitempty"`
	// Credentials carries inline credentials when present.
	Credentials map[string]any `json:"credentials,omitempty"`
	// Rules configure condition nodes.
	Rules []ConditionRule `json:"rules,omitempty"`
	// Body lists the node ids of a loop's body subgraph.
	Body []string `json:"body,omitempty"`
	// ItemAlias / IndexAlias name the loop variables (default "item").
	IndexAlias string `json:"indexAlias,omitempty"`
	ItemAlias  string `json:"itemAlias,omitempty"`
	// Retry configures the per-action retry policy.
	Retry *RetryPolicy `json:"retry,omitempty"`
	// SampleOutput seeds trigger nodes in dry-runs.
	SampleOutput map[string]any `json:"sampleOutput,omitempty"`
}

// ConditionRule is one branch selector of a condition node
type ConditionRule struct {
	Expression string `json:"expression,omitempty"`
	// Value selects the branch whose edge value matches exactly.
	Value any `json:"value,omitempty"`
	// Label selects the branch by case-insensitive edge label.
	Label string `json:"label,omitempty"`
	// Default marks the fallback branch.
	Default bool `json:"default,omitempty"`
}

// RetryPolicy configures action retries
type RetryPolicy struct {
	Strategy    string `json:"strategy"` // none | fixed | exponential
	MaxAttempts int    `json:"maxAttempts,omitempty"`
	BaseDelayMS int    `json:"baseDelayMs,omitempty"`
	Jitter      bool   `json:"jitter,omitempty"`
}

// Node is a graph node
type Node struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Data     NodeData `json:"data"`
	Position Position `json:"position"`
}

// Role extracts the role prefix from the node type
// ("action.slack.send_message" -> action).
func (n *Node) Role() Role {
	prefix, _, _ := strings.Cut(n.Type, ".")
	return Role(prefix)
}

// Edge is a directed connection between nodes
type Edge struct {
	ID     string `json:"id,omitempty"`
	Source string `json:"source"`
	Target string `json:"target"`
	// Label / Value identify condition branches.
	Label string `json:"label,omitempty"`
	Value any    `json:"value,omitempty"`
}

// ParseGraph decodes a JSON graph.
func ParseGraph(raw json.RawMessage) (*Graph, error) {
	var graph Graph
	if err := json.Unmarshal(raw, &graph); err != nil {
		return nil, err
	}
	return &graph, nil
}

// Serialize encodes the graph back to JSON. Round-trips with ParseGraph up
// to key ordering.
func (g *Graph) Serialize() (json.RawMessage, error) {
	return json.Marshal(g)
}
