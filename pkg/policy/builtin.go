package policy

// Names of the built-in policies.
const (
	PolicyProtectedEntries   = "protected-entries"
	PolicyLeafBudget         = "leaf-budget"
	PolicySkippedTransitions = "skipped-transitions"
	PolicyProductionUndeploy = "production-undeploy"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		protectedEntriesPolicy(),
		leafBudgetPolicy(),
		skippedTransitionsPolicy(),
		productionUndeployPolicy(),
	}
}

// protectedEntriesPolicy denies uninstalling protected entries.
func protectedEntriesPolicy() Policy {
	return Policy{
		Name:        PolicyProtectedEntries,
		Description: "Denies plans that uninstall entries listed in protected_entries or tagged with a protected tag",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"safety"},
		Rego: `package orchestra.policies.protected

import rego.v1

uninstall_actions := {"uninstall", "uninstallScript"}

deny contains violation if {
	some action in input.plan.actions
	action.name in uninstall_actions
	action.entry in data.orchestra.settings.protected_entries
	violation := {
		"message": sprintf("protected entry would be uninstalled by %s", [action.name]),
		"severity": "error",
		"entry": action.entry,
	}
}

deny contains violation if {
	some action in input.plan.actions
	action.name in uninstall_actions
	some tag in object.get(action, "tags", [])
	tag in data.orchestra.settings.protected_tags
	violation := {
		"message": sprintf("entry tagged %s would be uninstalled by %s", [tag, action.name]),
		"severity": "error",
		"entry": action.entry,
		"details": {"tag": tag},
	}
}
`,
	}
}

// leafBudgetPolicy flags plans larger than the configured budget.
func leafBudgetPolicy() Policy {
	return Policy{
		Name:        PolicyLeafBudget,
		Description: "Warns when a plan has more leaf steps than leaf_budget",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"size"},
		Rego: `package orchestra.policies.budget

import rego.v1

deny contains violation if {
	budget := data.orchestra.settings.leaf_budget
	budget > 0
	input.plan.leaf_count > budget
	violation := {
		"message": sprintf("plan has %d leaf steps, budget is %d", [input.plan.leaf_count, budget]),
		"severity": "warning",
		"details": {"leaf_count": input.plan.leaf_count, "budget": budget},
	}
}
`,
	}
}

// skippedTransitionsPolicy reports leaves that will not run.
func skippedTransitionsPolicy() Policy {
	return Policy{
		Name:        PolicySkippedTransitions,
		Description: "Reports transitions skipped because of a missing agent or an entry already in transition",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"drift"},
		Rego: `package orchestra.policies.skipped

import rego.v1

deny contains violation if {
	some action in input.plan.actions
	action.skipped
	violation := {
		"message": sprintf("transition %s -> %s will be skipped", [
			object.get(action, "from_state", ""),
			object.get(action, "to_state", ""),
		]),
		"severity": "warning",
		"entry": object.get(action, "entry", ""),
		"details": {"kind": object.get(action, "kind", ""), "step": action.step_id},
	}
}
`,
	}
}

// productionUndeployPolicy forbids undeploying a production fabric outside
// a dry run.
func productionUndeployPolicy() Policy {
	return Policy{
		Name:        PolicyProductionUndeploy,
		Description: "Denies undeploy plans in the production environment unless dry-run",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"safety", "production"},
		Rego: `package orchestra.policies.production

import rego.v1

deny contains violation if {
	input.context.environment == "production"
	input.plan.type == "undeploy"
	not input.context.dry_run
	violation := {
		"message": sprintf("undeploy of fabric %s is not allowed in production", [input.plan.fabric]),
		"severity": "critical",
	}
}
`,
	}
}
