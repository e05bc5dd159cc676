package exporters

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/sdk/trace"
)

// DiscardExporter drops spans, keeping only a count. Used when no collector is configured.
type DiscardExporter struct {
	exported atomic.Int64
}

func (d *DiscardExporter) ExportSpans(ctx context.Context, spans []trace.ReadOnlySpan) error {
	d.exported.Add(int64(len(spans)))
	return nil
}

func (d *DiscardExporter) Shutdown(ctx context.Context) error {
	return nil
}

func (d *DiscardExporter) Exported() int64 {
	return d.exported.Load()
}
