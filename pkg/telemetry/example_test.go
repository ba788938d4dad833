package telemetry_test

import (
	"context"
	"fmt"

	"github.com/lazyflow/lazyflow/pkg/engine"
	"github.com/lazyflow/lazyflow/pkg/telemetry"
)

// Example_basicSetup demonstrates wiring telemetry into a model.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	m := engine.NewModel("demo", tel.EngineOptions()...)
	ctx := tel.WithContext(context.Background())

	ctx = telemetry.WithModelRunContext(ctx, m.Name(), len(m.Components()))
	results, err := m.Run(ctx)
	telemetry.EndModelRunContext(ctx, m.Name(), results, err)

	// Output can vary, so we don't specify output for this example
}

// Example_eventSubscription demonstrates filtering executor events.
func Example_eventSubscription() {
	events, _ := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})

	events.Subscribe(func(e telemetry.Event) {
		fmt.Println(e.Type, e.Message)
	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))

	ctx := context.Background()
	_ = events.PublishModelRunStarted(ctx, "demo", 3)
	_ = events.PublishModelReloaded(ctx, "demo", "model.yaml")

	// Output:
	// model.reloaded Model demo reloaded from model.yaml
}
