// Package telemetry provides observability instrumentation for lazyflow.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into one bundle that
// plugs into the engine through executor options.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	m := engine.NewModel("demo", tel.EngineOptions()...)
//
// # Structured Logging
//
//	logger := tel.Logger.NewSubsystemLogger("engine")
//	logger = logger.WithModel("demo").WithComponent("t")
//	logger.Info("Computing")
//
// Telemetry.WithContext also installs the logger where zerolog.Ctx finds it,
// so packages logging through zerolog.Ctx(ctx) share the session's output.
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Every executor pass produces a "component.run" span. Model runs started
// through WithModelRunContext wrap them in a "model.run" span:
//
//	ctx = telemetry.WithModelRunContext(tel.WithContext(ctx), m.Name(), len(m.Components()))
//	results, err := m.Run(ctx)
//	telemetry.EndModelRunContext(ctx, m.Name(), results, err)
//
// Supported exporters: "otlp" (OTLP/gRPC), "stdout" (pretty-printed to stderr)
// and "none".
//
// # Metrics
//
// Metrics implements engine.MetricsRecorder. Key metrics:
//
//   - lazyflow_passes_total{component,outcome}
//   - lazyflow_pass_duration_seconds{component}
//   - lazyflow_invalidations_total
//   - lazyflow_postcondition_failures_total{component,output}
//   - lazyflow_errors_by_class_total{class}
//   - lazyflow_errors_by_code_total{code}
//   - lazyflow_model_runs_total{model,status}
//   - lazyflow_external_code_calls_total{result}
//
// Metrics are exposed via HTTP at MetricsConfig.Path when enabled.
//
// # Event Publishing
//
// EventPublisher implements engine.EventPublisher. It delivers synchronously
// by default, or through a buffered channel when EnableAsync is set:
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("%s: %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelError))
//
// Event filters: FilterByLevel, FilterByType, FilterByModel, FilterByComponent
package telemetry
