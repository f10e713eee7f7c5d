package connector

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// planRanks mirrors the organization plan ordering for tier gating.
var planRanks = map[string]int{
	"free":            0,
	"starter":         1,
	"pro":             2,
	"professional":    2,
	"enterprise":      3,
	"enterprise_plus": 4,
}

// ListFilter narrows ListConnectors results
type ListFilter struct {
	// PlanRank is the caller organization's plan rank.
	PlanRank int
	// Overrides grants per-org access past the tier gate.
	Overrides map[string]bool
	// IncludeHidden includes hidden connectors (admin surfaces).
	IncludeHidden bool
	// Availability filters to a single availability when set.
	Availability Availability
	Category     string
}

// ListedConnector is a definition with its resolved status for a caller
type ListedConnector struct {
	*Definition
	Resolved          Availability `json:"resolved_availability"`
	StatusLabel       string       `json:"status_label"`
	HasImplementation bool         `json:"has_implementation"`
	TierEligible      bool         `json:"tier_eligible"`
}

// Registry is the single source of truth for what a workflow can do.
type Registry struct {
	logger      *slog.Logger
	definitions map[string]*Definition
	order       []string
	bindings    map[string]Constructor
	functions   map[string]*FunctionDef
	mu          sync.RWMutex

	genericEnabled bool
}

// NewRegistry creates a registry over loaded definitions.
func NewRegistry(definitions []*Definition, logger *slog.Logger, genericEnabled bool) *Registry {
	r := &Registry{
		logger:         logger,
		definitions:    make(map[string]*Definition, len(definitions)),
		bindings:       make(map[string]Constructor),
		functions:      make(map[string]*FunctionDef),
		genericEnabled: genericEnabled,
	}
	for _, def := range definitions {
		if _, exists := r.definitions[def.ID]; exists {
			logger.Warn("duplicate connector definition ignored", "connector_id", def.ID)
			continue
		}
		r.definitions[def.ID] = def
		r.order = append(r.order, def.ID)
		for i := range def.Actions {
			fn := &def.Actions[i]
			r.functions[FunctionType(FunctionKindAction, def.ID, fn.ID)] = fn
		}
		for i := range def.Triggers {
			fn := &def.Triggers[i]
			r.functions[FunctionType(FunctionKindTrigger, def.ID, fn.ID)] = fn
		}
	}
	return r
}

// Bind registers a client constructor for a connector.
func (r *Registry) Bind(connectorID string, ctor Constructor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.definitions[connectorID]; !exists {
		return fmt.Errorf("cannot bind client: connector %s not in manifest", connectorID)
	}
	if _, exists := r.bindings[connectorID]; exists {
		return fmt.Errorf("client for connector %s already bound", connectorID)
	}
	r.bindings[connectorID] = ctor
	return nil
}

// AutoBindGeneric binds the generic HTTP client to every unbound connector
// whose definition declares a base URL and at least one operation.
func (r *Registry) AutoBindGeneric() {
	if !r.genericEnabled {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, def := range r.definitions {
		if _, bound := r.bindings[id]; bound {
			continue
		}
		if def.BaseURL == "" || (len(def.Actions) == 0 && len(def.Triggers) == 0) {
			continue
		}
		r.bindings[id] = NewGenericClient
		r.logger.Info("auto-bound generic HTTP client", "connector_id", id, "base_url", def.BaseURL)
	}
}

// resolveAvailability applies the strict resolver: a connector without a
// bound client is at most experimental regardless of its JSON claim.
func (r *Registry) resolveAvailability(def *Definition) Availability {
	declared := def.Availability
	if declared == "" {
		declared = AvailabilityExperimental
	}
	if declared == AvailabilityDisabled {
		return AvailabilityDisabled
	}
	if _, bound := r.bindings[def.ID]; !bound {
		return AvailabilityExperimental
	}
	return declared
}

// VerifyParity enforces the startup rule: every connector resolving to
// stable must have a bound client, and every stable JSON claim that was
// downgraded for lack of a client is reported. Returns an error listing
// all violations so startup can fail with the full set.
func (r *Registry) VerifyParity() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var downgraded []string
	for _, id := range r.order {
		def := r.definitions[id]
		if def.Availability == AvailabilityStable {
			if _, bound := r.bindings[id]; !bound {
				downgraded = append(downgraded, id)
			}
		}
	}
	if len(downgraded) > 0 {
		sort.Strings(downgraded)
		return fmt.Errorf("connectors declared stable without a bound client: %s", strings.Join(downgraded, ", "))
	}
	return nil
}

// ListConnectors returns definitions visible to the caller.
func (r *Registry) ListConnectors(filter ListFilter) []*ListedConnector {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*ListedConnector, 0, len(r.order))
	for _, id := range r.order {
		def := r.definitions[id]
		if def.Hidden && !filter.IncludeHidden {
			continue
		}
		resolved := r.resolveAvailability(def)
		if filter.Availability != "" && resolved != filter.Availability {
			continue
		}
		if filter.Category != "" && def.Category != filter.Category {
			continue
		}
		_, bound := r.bindings[id]
		result = append(result, &ListedConnector{
			Definition:        def,
			Resolved:          resolved,
			StatusLabel:       statusLabel(resolved, bound),
			HasImplementation: bound,
			TierEligible:      r.tierEligible(def, filter.PlanRank, filter.Overrides),
		})
	}

	// Implementation-status-first ordering for the catalog.
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].HasImplementation != result[j].HasImplementation {
			return result[i].HasImplementation
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (r *Registry) tierEligible(def *Definition, planRank int, overrides map[string]bool) bool {
	if overrides[def.ID] {
		return true
	}
	required, ok := planRanks[def.PricingTier]
	if !ok {
		required = 0
	}
	return planRank >= required
}

func statusLabel(resolved Availability, bound bool) string {
	switch {
	case resolved == AvailabilityDisabled:
		return "Disabled"
	case resolved == AvailabilityStable:
		return "Available"
	case bound:
		return "Beta"
	default:
		return "Coming soon"
	}
}

// Get returns a definition by id.
func (r *Registry) Get(connectorID string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.definitions[connectorID]
	return def, ok
}

// APIClient returns a constructed client only when the connector resolves
// to stable and a binding exists; nil otherwise.
func (r *Registry) APIClient(connectorID string) Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.definitions[connectorID]
	if !ok {
		return nil
	}
	if r.resolveAvailability(def) != AvailabilityStable {
		return nil
	}
	ctor, bound := r.bindings[connectorID]
	if !bound {
		return nil
	}
	return ctor(def)
}

// ExperimentalClient returns a client regardless of stability, for dry-runs
// and admin testing. Returns nil when no binding exists or the connector is disabled.
func (r *Registry) ExperimentalClient(connectorID string) Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.definitions[connectorID]
	if !ok || r.resolveAvailability(def) == AvailabilityDisabled {
		return nil
	}
	ctor, bound := r.bindings[connectorID]
	if !bound {
		return nil
	}
	return ctor(def)
}

// FunctionByType looks up "action.<app>.<fn>" or "trigger.<app>.<fn>" in O(1).
func (r *Registry) FunctionByType(nodeType string) (*FunctionDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.functions[nodeType]
	return fn, ok
}

// CatalogEntry is the aggregated shape consumed by the visual builder.
type CatalogEntry struct {
	ConnectorID       string        `json:"connector_id"`
	Name              string        `json:"name"`
	Category          string        `json:"category"`
	StatusLabel       string        `json:"status_label"`
	HasImplementation bool          `json:"has_implementation"`
	Actions           []FunctionDef `json:"actions"`
	Triggers          []FunctionDef `json:"triggers"`
}

// NodeCatalog returns the full catalog, implementation-status-first.
func (r *Registry) NodeCatalog() []CatalogEntry {
	listed := r.ListConnectors(ListFilter{PlanRank: planRanks["enterprise_plus"], IncludeHidden: false})
	catalog := make([]CatalogEntry, 0, len(listed))
	for _, c := range listed {
		if c.Resolved == AvailabilityDisabled {
			continue
		}
		catalog = append(catalog, CatalogEntry{
			ConnectorID:       c.ID,
			Name:              c.Name,
			Category:          c.Category,
			StatusLabel:       c.StatusLabel,
			HasImplementation: c.HasImplementation,
			Actions:           c.Actions,
			Triggers:          c.Triggers,
		})
	}
	return catalog
}
