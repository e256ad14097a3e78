// Package telemetry provides observability instrumentation for the wisp
// provisioning orchestrator.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and an in-process event publisher.
//
// # Usage
//
// Initialize telemetry at process start and carry it on the context:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Pipelines and stages
//
// The orchestrator brackets each provisioning pipeline and each stage:
//
//	ctx = telemetry.WithPipelineContext(ctx, project.ID, project.Name)
//	defer telemetry.EndPipelineContext(ctx, project.ID, string(status), err)
//
//	stageCtx := telemetry.WithStageContext(ctx, project.ID, "create_repository")
//	err := createRepository(stageCtx)
//	telemetry.EndStageContext(stageCtx, project.ID, "create_repository", err)
//
// External calls are wrapped with RecordProviderOperation, which opens a
// provider span and records call counts, latency and errors.
//
// # Metrics
//
// All metrics live in a private registry served by Metrics.Handler:
//
//   - wisp_pipelines_started_total
//   - wisp_pipelines_completed_total{status}
//   - wisp_pipeline_duration_seconds{status}
//   - wisp_active_pipelines
//   - wisp_stages_executed_total{stage,status}
//   - wisp_stage_duration_seconds{stage}
//   - wisp_retry_attempts_total{stage}
//   - wisp_fix_attempts_total{outcome}
//   - wisp_provider_calls_total{provider,operation}
//   - wisp_provider_call_duration_seconds{provider,operation}
//   - wisp_provider_errors_total{provider,operation}
//   - wisp_policy_denials_total{policy}
//   - wisp_teardowns_total{result}
//   - wisp_errors_by_class_total{class}
//   - wisp_errors_by_code_total{code}
//
// # Events
//
// EventPublisher delivers pipeline, stage, status, fix, policy and teardown
// events to subscribers, asynchronously in batches when EnableAsync is set.
// Nil and disabled publishers drop events silently.
package telemetry
