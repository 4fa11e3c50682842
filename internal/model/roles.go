package model

// RoleCount is the number of role documents in every committed contract.
const RoleCount = 10

// RoleSpec fixes the title and word budget for one of the ten roles.
// HardMin/HardMax bound the fitted body word count inclusively.
type RoleSpec struct {
	RoleID  int
	Title   string
	HardMin int
	HardMax int
}

// Roles is the fixed role vocabulary, indexed 1..10 by RoleID.
var Roles = []RoleSpec{
	{RoleID: 1, Title: "Vision & Strategy", HardMin: 180, HardMax: 420},
	{RoleID: 2, Title: "Product Definition", HardMin: 220, HardMax: 520},
	{RoleID: 3, Title: "Engineering Blueprint", HardMin: 260, HardMax: 600},
	{RoleID: 4, Title: "Design & Experience", HardMin: 180, HardMax: 420},
	{RoleID: 5, Title: "Data & Analytics", HardMin: 160, HardMax: 380},
	{RoleID: 6, Title: "Go-to-Market", HardMin: 180, HardMax: 420},
	{RoleID: 7, Title: "Monetization & Pricing", HardMin: 160, HardMax: 380},
	{RoleID: 8, Title: "Operations & Delivery", HardMin: 160, HardMax: 380},
	{RoleID: 9, Title: "Risk & Compliance", HardMin: 160, HardMax: 380},
	{RoleID: 10, Title: "Launch Readiness", HardMin: 180, HardMax: 420},
}

// RoleByID returns the spec for a role ID, or false if out of range.
func RoleByID(roleID int) (RoleSpec, bool) {
	if roleID < 1 || roleID > RoleCount {
		return RoleSpec{}, false
	}
	return Roles[roleID-1], true
}

// SectionHeaders is the fixed section order of every document body.
// BudgetFitter inserts "Additional Context" before "Builder Notes" when
// padding an under-length body.
var SectionHeaders = []string{
	"Purpose",
	"Key Decisions",
	"Acceptance Criteria",
	"Success Measures",
	"Unknowns",
	"Context",
	"Builder Notes",
}

// AdditionalContextHeader is the section BudgetFitter may insert.
const AdditionalContextHeader = "Additional Context"

// CoreDecisionKeys are the decision keys that must be confirmed USER_SAID
// before a cycle is commit-ready.
var CoreDecisionKeys = []string{
	"business_type",
	"primary_outcome",
	"launch_capabilities",
	"monetization_path",
	"target_customer",
	"success_metric",
}
