// Package telemetry provides observability instrumentation for the activator.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing.
//
// # Usage
//
// Initialize telemetry at startup:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Components receive a logger scoped to their name:
//
//	logger := tel.Logger.NewComponentLogger("orchestrator").Zerolog()
//
// # Tracing
//
// Plans and tasks get their own spans:
//
//	ctx, span := tel.Tracer.StartTaskSpan(ctx, instanceID, taskID, resourceID, resourceType, step)
//	defer span.End()
//
// # Metrics
//
// Metrics live in a private registry and are exposed by NewMetricsServer.
// A disabled Metrics value accepts every call and records nothing.
//
// # Events
//
// The publisher fans events out to subscribers. Synchronous publishers deliver
// on the calling goroutine; asynchronous publishers buffer and deliver from a
// background goroutine until Shutdown.
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelError))
package telemetry
