// Package orchestrator ties the pipeline together for one fabric.
//
// An Orchestrator loads the expected and current system models, computes
// their delta, plans an operation (deploy, bounce, redeploy, undeploy or
// agentUpgrade), evaluates the plan against the policy engine and executes
// it through the agent leaf executor. Executions, deltas and audit entries
// are recorded in a stores.Store when one is configured.
//
//	o, err := orchestrator.New(cfg, orchestrator.WithStore(store))
//	if err != nil {
//		return err
//	}
//	run, err := o.Apply(ctx, orchestrator.Request{Operation: planner.PlanTypeDeploy})
//	if err != nil {
//		return err
//	}
//	status, err := run.Wait(ctx)
//
// A Run embeds the plan execution, so it can be paused, resumed and
// cancelled while it runs.
package orchestrator
