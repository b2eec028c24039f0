package dispatch

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/AleSMC/ESP32-Video-Rover/internal/dispatch"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}
