package resolve

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/eventlens/arscan/internal/resolve"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}
