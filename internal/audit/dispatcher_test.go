package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type gateSink struct {
	gate  chan struct{}
	count atomic.Int64
}

func (s *gateSink) Emit(context.Context, Event) {
	<-s.gate
	s.count.Add(1)
}

type panicSink struct{}

func (panicSink) Emit(context.Context, Event) { panic("sink exploded") }

func TestDisabledDispatcherIsNil(t *testing.T) {
	d := NewDispatcher(Config{Enabled: false}, NoOpSink{}, nil)
	if d != nil {
		t.Fatal("expected nil dispatcher when disabled")
	}
	d.Emit(context.Background(), Event{EventType: "x"})
	d.Close()
	if d.Dropped() != 0 || d.Emitted() != 0 {
		t.Fatal("expected zero counters on nil dispatcher")
	}
}

func TestCloseFlushesBufferedEvents(t *testing.T) {
	sink := NewChannelSink(16)
	d := NewDispatcher(Config{Enabled: true, BufferSize: 16}, sink, nil)
	for i := 0; i < 5; i++ {
		d.Emit(context.Background(), Event{EventType: "intercept_started"})
	}
	d.Close()

	if got := len(sink.Events()); got != 5 {
		t.Fatalf("expected 5 flushed events, got %d", got)
	}
	if d.Emitted() != 5 {
		t.Fatalf("expected emitted=5, got %d", d.Emitted())
	}

	d.Emit(context.Background(), Event{EventType: "late"})
	d.Close()
	if len(sink.Events()) != 5 {
		t.Fatal("expected events after Close to be ignored")
	}
}

func TestDropIfFullCountsDrops(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	sink := &gateSink{gate: make(chan struct{})}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1, DropIfFull: true}, sink, zap.New(core))

	for i := 0; i < 20; i++ {
		d.Emit(context.Background(), Event{EventType: "code_delivered"})
	}
	if d.Dropped() == 0 {
		t.Fatal("expected drops with a blocked sink and buffer of 1")
	}
	if logs.FilterMessage("audit buffer full, dropping events").Len() != 1 {
		t.Fatal("expected a single drop warning")
	}

	close(sink.gate)
	d.Close()
}

func TestBlockingEmitHonoursContext(t *testing.T) {
	sink := &gateSink{gate: make(chan struct{})}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1}, sink, nil)
	defer func() {
		close(sink.gate)
		d.Close()
	}()

	// one in the sink, one in the buffer
	d.Emit(context.Background(), Event{EventType: "a"})
	d.Emit(context.Background(), Event{EventType: "b"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		d.Emit(ctx, Event{EventType: "c"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("blocking Emit ignored context cancellation")
	}
}

func TestSinkPanicIsContained(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	d := NewDispatcher(Config{Enabled: true, BufferSize: 4}, panicSink{}, zap.New(core))
	d.Emit(context.Background(), Event{EventType: "auth_started"})
	d.Emit(context.Background(), Event{EventType: "auth_started"})
	d.Close()

	if logs.FilterMessage("audit sink panicked").Len() != 2 {
		t.Fatalf("expected both panics logged, got %d", logs.Len())
	}
}

func TestJSONWriterSinkWritesLines(t *testing.T) {
	var buf bytes.Buffer
	s := NewJSONWriterSink(&buf)
	s.Emit(context.Background(), Event{EventType: "auth_completed", AccountID: "42", Success: true})
	s.Emit(context.Background(), Event{EventType: "auth_failed", Error: "invalid code"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var ev Event
	if err := json.Unmarshal([]byte(lines[0]), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.AccountID != "42" || !ev.Success {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestLoggerSinkLevels(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	s := NewLoggerSink(zap.New(core))
	s.Emit(context.Background(), Event{EventType: "intercept_started", Success: true, AccountID: "7"})
	s.Emit(context.Background(), Event{EventType: "intercept_failed", Error: "unauthorized", Metadata: map[string]string{"reason": "revoked"}})

	all := logs.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}
	if all[0].Level != zapcore.InfoLevel || all[1].Level != zapcore.WarnLevel {
		t.Fatalf("unexpected levels %v %v", all[0].Level, all[1].Level)
	}
	if all[1].ContextMap()["meta.reason"] != "revoked" {
		t.Fatalf("expected metadata field, got %v", all[1].ContextMap())
	}
}
