// Package profile defines evaluation profiles that modulate reasoning-model
// prompt construction. Each rule category maps to a profile whose
// SystemPromptAddendum is appended to the base system prompt.
package profile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dshills/trialguard/internal/schema"
)

// Profile describes how a class of criteria is argued about.
type Profile struct {
	Name                 string
	Description          string
	SystemPromptAddendum string
	// ViolationMeaning tells the model what "violated": true means for this
	// class of criterion.
	ViolationMeaning string
}

// builtins is the registry of built-in profiles keyed by name.
var builtins = map[string]Profile{
	"exclusion": {
		Name:        "exclusion",
		Description: "Exclusion criteria; meeting the criterion makes the subject ineligible.",
		SystemPromptAddendum: "You are evaluating an EXCLUSION criterion. If the subject meets the " +
			"criterion the subject is INELIGIBLE. Consider both current status and history. " +
			"Prior or ongoing exposure documented in any source counts as meeting the criterion.",
		ViolationMeaning: "the subject meets the exclusion criterion",
	},
	"inclusion": {
		Name:        "inclusion",
		Description: "Inclusion criteria; failing to meet the criterion makes the subject ineligible.",
		SystemPromptAddendum: "You are evaluating an INCLUSION criterion. The subject must satisfy it to " +
			"be eligible. Absence of documentation is not proof the criterion is met: report it " +
			"under missing_data and set requires_review.",
		ViolationMeaning: "the subject does NOT meet the inclusion criterion",
	},
	"safety": {
		Name:        "safety",
		Description: "Safety monitoring; any qualifying event is a reportable signal.",
		SystemPromptAddendum: "You are monitoring SAFETY. Any qualifying adverse event, laboratory " +
			"abnormality or ECG finding is a safety signal that must be reported, even when " +
			"causality to study drug is uncertain. Prefer sensitivity over specificity.",
		ViolationMeaning: "a qualifying safety signal is present",
	},
	"protocol": {
		Name:        "protocol",
		Description: "Protocol compliance; departures from schedule or dosing are deviations.",
		SystemPromptAddendum: "You are checking PROTOCOL COMPLIANCE. Compare what happened against " +
			"the protocol schedule and dosing rules. Any departure outside the permitted window " +
			"is a protocol deviation.",
		ViolationMeaning: "a protocol deviation occurred",
	},
	"efficacy": {
		Name:        "efficacy",
		Description: "Efficacy events; progression or new lesions require review.",
		SystemPromptAddendum: "You are reviewing EFFICACY data. Use RECIST 1.1 terminology. " +
			"Progressive disease, new lesions or a confirmed loss of response are qualifying events " +
			"that always require investigator review.",
		ViolationMeaning: "a qualifying efficacy event occurred",
	},
	"data-quality": {
		Name:        "data-quality",
		Description: "Data quality; missing or inconsistent records.",
		SystemPromptAddendum: "You are checking DATA QUALITY. Flag records that are missing, " +
			"internally inconsistent or out of chronological order.",
		ViolationMeaning: "a data quality issue exists",
	},
}

// Load returns the named built-in profile or an error if the name is unknown.
func Load(name string) (Profile, error) {
	p, ok := builtins[name]
	if !ok {
		return Profile{}, fmt.Errorf("profile: unknown profile %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	return p, nil
}

// Names returns the built-in profile names in sorted order.
func Names() []string {
	names := make([]string, 0, len(builtins))
	for n := range builtins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ForCategory returns the profile that governs a rule category.
func ForCategory(c schema.Category) Profile {
	switch {
	case c == schema.CategoryInclusion:
		return builtins["inclusion"]
	case c.IsSafety():
		return builtins["safety"]
	case c == schema.CategoryProtocolVisit || c == schema.CategoryProtocolDose:
		return builtins["protocol"]
	case c == schema.CategoryEfficacy:
		return builtins["efficacy"]
	case c == schema.CategoryDataQuality:
		return builtins["data-quality"]
	default:
		return builtins["exclusion"]
	}
}
