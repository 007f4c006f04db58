package events

import (
	"context"
	"encoding/json"
	"log/slog"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

// BridgeToNATS subscribes a Bus listener that republishes every event as
// JSON onto subject, injecting the current trace context into the NATS
// message header the same way the platform's natsctx.Publish helper
// does. It returns the Bus unsubscribe function; callers wanting to stop
// bridging call it like any other listener's unsubscribe.
//
// This is a pure external consumer: the scheduler never calls it itself,
// matching §1's "persistence/telemetry consumers" boundary.
func BridgeToNATS(ctx context.Context, bus *Bus, nc *nats.Conn, subject string) func() {
	tr := otel.Tracer("taskdag-events")
	return bus.Subscribe(func(ev Event) {
		ctx, span := tr.Start(ctx, "events.publish", trace.WithSpanKind(trace.SpanKindProducer))
		defer span.End()

		data, err := json.Marshal(ev)
		if err != nil {
			slog.Error("marshal event for nats bridge", "error", err)
			return
		}

		hdr := nats.Header{}
		propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
		msg := &nats.Msg{Subject: subject, Data: data, Header: hdr}
		if err := nc.PublishMsg(msg); err != nil {
			slog.Error("publish event to nats", "subject", subject, "error", err)
		}
	})
}
