// Package policy gates execution plans with Open Policy Agent (OPA) rego
// policies.
//
// Each policy is a rego module whose deny set lists violations. A plan is
// summarized as a PlanInput (one ActionInput per leaf step) and evaluated
// against every enabled policy. Violations of severity error or critical
// deny the plan; lower severities are returned as warnings.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger, policy.WithSettings(policy.Settings{
//	    ProtectedEntries: []string{"db1:/postgres"},
//	    LeafBudget:       200,
//	}))
//	if err != nil {
//	    return err
//	}
//
//	result, err := eng.EvaluatePlan(ctx, &policy.PolicyInput{
//	    Plan:    policy.NewPlanInput(p, md),
//	    Context: &policy.PolicyContext{Environment: "production"},
//	})
//	if err != nil {
//	    return err
//	}
//	if err := result.Err(); err != nil {
//	    return err // POLICY_DENIED
//	}
//
// # Input document
//
//	input.plan.id, input.plan.type, input.plan.fabric, input.plan.leaf_count
//	input.plan.actions[_].{step_id, name, kind, agent, mount_point, entry,
//	                      from_state, to_state, skipped, tags}
//	input.context.{user, environment, timestamp, dry_run}
//	data.orchestra.settings.{protected_entries, protected_tags, leaf_budget}
//
// # Built-in Policies
//
//   - protected-entries (error): no uninstall of protected entries or tags
//   - leaf-budget (warning): plan larger than leaf_budget
//   - skipped-transitions (warning): leaves that will not run
//   - production-undeploy (critical): undeploy in production outside dry-run
//
// # Custom Policies
//
// LoadPolicies accepts .rego files, JSON or YAML policy definitions and
// bundles, and directories of them. Leading comments of a .rego file may
// carry annotations:
//
//	# severity: error
//	# tags: safety, web
//	# No web entry may be stopped on Fridays.
//	package orchestra.custom.friday
//
//	import rego.v1
//
//	deny contains {"message": "no stops on Friday", "entry": a.entry} if {
//	    time.weekday(time.now_ns()) == "Friday"
//	    some a in input.plan.actions
//	    a.name == "stop"
//	    "web" in a.tags
//	}
//
// WatchPolicies reloads the engine when those files change.
package policy
