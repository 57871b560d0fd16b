package detect

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/eventlens/arscan/internal/detect"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}
