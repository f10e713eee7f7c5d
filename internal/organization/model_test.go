package organization

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlanRanks(t *testing.T) {
	assert.Equal(t, 0, PlanFree.Rank())
	assert.Equal(t, 1, PlanStarter.Rank())
	assert.Equal(t, 2, PlanPro.Rank())
	assert.Equal(t, 2, PlanProfessional.Rank())
	assert.Equal(t, 3, PlanEnterprise.Rank())
	assert.Equal(t, 4, PlanEnterprisePlus.Rank())
	assert.Equal(t, 0, Plan("made-up").Rank())
}

func TestIsValidPlan(t *testing.T) {
	assert.True(t, IsValidPlan("free"))
	assert.True(t, IsValidPlan("enterprise_plus"))
	assert.False(t, IsValidPlan("platinum"))
}

func TestSecuritySettingsDecode(t *testing.T) {
	org := &Organization{
		Security: json.RawMessage(`{"allowed_domains":["api.example.com"],"allowed_ip_ranges":["10.0.0.0/8"],"mfa_required":true}`),
	}
	settings := org.SecuritySettings()
	assert.Equal(t, []string{"api.example.com"}, settings.AllowedDomains)
	assert.Equal(t, []string{"10.0.0.0/8"}, settings.AllowedIPRanges)
	assert.True(t, settings.MFARequired)

	empty := &Organization{}
	assert.Empty(t, empty.SecuritySettings().AllowedDomains)
}

func TestOverrideSet(t *testing.T) {
	org := &Organization{ConnectorOverrides: json.RawMessage(`["salesforce","netsuite"]`)}
	set := org.OverrideSet()
	assert.True(t, set["salesforce"])
	assert.False(t, set["slack"])
}

func TestDefaultLimitsScaleWithPlan(t *testing.T) {
	free := DefaultLimits(PlanFree)
	pro := DefaultLimits(PlanPro)
	enterprise := DefaultLimits(PlanEnterprise)

	assert.Less(t, free.MaxConcurrentExecutions, pro.MaxConcurrentExecutions)
	assert.Less(t, pro.MaxConcurrentExecutions, enterprise.MaxConcurrentExecutions)
	assert.Less(t, free.MaxExecutionsPerMonth, pro.MaxExecutionsPerMonth)
	// Unknown plans fall back to free limits.
	assert.Equal(t, free, DefaultLimits(Plan("other")))
}

func TestIsValidRole(t *testing.T) {
	assert.True(t, IsValidRole("owner"))
	assert.True(t, IsValidRole("viewer"))
	assert.False(t, IsValidRole("superuser"))
}
