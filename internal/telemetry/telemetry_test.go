package telemetry_test

import (
	"context"
	"testing"

	"github.com/mind-engage/mindengage-testengine/internal/telemetry"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := telemetry.Setup(context.Background(), "", "testengine")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	_, span := telemetry.Tracer().Start(context.Background(), "noop")
	span.End()
}
