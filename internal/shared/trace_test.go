package shared

import (
	"context"
	"testing"
)

func TestTraceIDRoundTrip(t *testing.T) {
	ctx := WithTraceID(context.Background(), "trace-123")
	if got := TraceID(ctx); got != "trace-123" {
		t.Fatalf("TraceID = %q", got)
	}
}

func TestTraceIDAbsent(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("TraceID = %q, want -", got)
	}
}

func TestNewTraceIDUnique(t *testing.T) {
	a, b := NewTraceID(), NewTraceID()
	if a == "" || a == b {
		t.Fatalf("trace ids not unique: %q %q", a, b)
	}
}

func TestAgentAndGroupContext(t *testing.T) {
	ctx := WithAgentID(context.Background(), "agent-1")
	ctx = WithGroupID(ctx, "grp-east")
	if AgentID(ctx) != "agent-1" {
		t.Fatalf("AgentID = %q", AgentID(ctx))
	}
	if GroupID(ctx) != "grp-east" {
		t.Fatalf("GroupID = %q", GroupID(ctx))
	}
	if AgentID(context.Background()) != "" || GroupID(context.Background()) != "" {
		t.Fatal("empty context should yield empty ids")
	}
}
