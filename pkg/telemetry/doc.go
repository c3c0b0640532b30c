// Package telemetry provides the observability stack of the orchestrator:
// structured logging with zerolog, tracing with OpenTelemetry and metrics
// with Prometheus.
//
// # Usage
//
// Initialize telemetry at startup and hand its pieces to the components:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	tel.StartMetricsServer()
//
//	planner := planner.New(planner.WithLogger(tel.Logger.Zerolog()))
//
// # Plan executions
//
// An execution is instrumented by wrapping the leaf step executor and
// passing an ExecutionTracker to the executor:
//
//	leaf := tel.InstrumentLeafExecutor(agents.NewLeafExecutor(provider, client))
//	exec := executor.New(leaf)
//
//	ctx, span := tel.Tracer.StartPlanSpan(ctx, p, fabric, planType)
//	defer span.End()
//	pe, err := exec.Execute(ctx, p, tel.NewExecutionTracker(planType, span))
//
// Every leaf then runs in an "agent.<action>" span below the plan span, and
// step starts and ends are recorded as events on the plan span.
//
// # Metrics
//
// Metrics are registered on a private registry and exposed at
// MetricsConfig.Path. A disabled Metrics accepts every call and records
// nothing, so callers never check for it.
//
//	orchestra_delta_entries{fabric,status}
//	orchestra_plan_started_total{plan_type}
//	orchestra_plan_completed_total{plan_type,status}
//	orchestra_plan_duration_seconds{plan_type,status}
//	orchestra_plan_active
//	orchestra_plan_leaf_steps{plan_type}
//	orchestra_step_completed_total{step_type,status}
//	orchestra_step_duration_seconds{action,status}
//	orchestra_errors_total{class,code}
//
// # Configuration
//
// DefaultConfig logs to stderr with tracing and metrics off.
// DevelopmentConfig adds debug logs and stdout traces. ProductionConfig uses
// JSON logs, OTLP gRPC traces sampled at 10% and enables metrics.
package telemetry
