package services

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "workflow-copilot/backend/internal/services"

type instruments struct {
	versioningFailures metric.Int64Counter
	generationFailures metric.Int64Counter
}

func newInstruments() instruments {
	meter := otel.Meter(instrumentationName)
	return instruments{
		versioningFailures: counter(meter, "workflow.versioning.failures",
			"Workflow updates whose pre-update snapshot could not be recorded"),
		generationFailures: counter(meter, "chat.generation.failures",
			"Chat turns whose generation call failed"),
	}
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}
