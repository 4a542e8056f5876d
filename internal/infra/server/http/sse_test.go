package httpserver

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/5TFG4/weaver/internal/domain/envelope"
	"github.com/5TFG4/weaver/internal/infra/bus/eventlog"
)

func newBroadcastFixture(t *testing.T, opts ...BroadcasterOption) (*eventlog.MemoryLog, *Broadcaster) {
	t.Helper()
	memLog := eventlog.NewMemoryLog(eventlog.MemoryConfig{Capacity: 256, BufferSize: 64})
	t.Cleanup(memLog.Close)
	b, err := NewBroadcaster(memLog, opts...)
	if err != nil {
		t.Fatalf("new broadcaster: %v", err)
	}
	t.Cleanup(b.Close)
	return memLog, b
}

func appendLifecycle(t *testing.T, memLog *eventlog.MemoryLog, runID string) {
	t.Helper()
	env := envelope.New(envelope.TypeRunCreated,
		envelope.WithRunID(runID),
		envelope.WithProducer("test"),
		envelope.WithPayload(envelope.RunLifecyclePayload{
			RunID:      runID,
			StrategyID: "noop",
			Mode:       "paper",
			Status:     "pending",
		}),
	)
	if _, err := memLog.Append(context.Background(), env); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func recvEvent(t *testing.T, ch <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case event, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return sseEvent{eventType: "", data: nil}
}

func TestBroadcastRespectsRunFilter(t *testing.T) {
	memLog, b := newBroadcastFixture(t)

	all, cancelAll, err := b.register("")
	if err != nil {
		t.Fatalf("register all: %v", err)
	}
	defer cancelAll()
	scoped, cancelScoped, err := b.register("r1")
	if err != nil {
		t.Fatalf("register scoped: %v", err)
	}
	defer cancelScoped()

	appendLifecycle(t, memLog, "r1")
	appendLifecycle(t, memLog, "r2")

	first := recvEvent(t, all.ch)
	second := recvEvent(t, all.ch)
	if first.eventType != "run.Created" || second.eventType != "run.Created" {
		t.Fatalf("types: %s, %s", first.eventType, second.eventType)
	}

	only := recvEvent(t, scoped.ch)
	if !strings.Contains(string(only.data), `"run_id":"r1"`) {
		t.Fatalf("scoped client saw: %s", only.data)
	}
	select {
	case extra := <-scoped.ch:
		t.Fatalf("scoped client saw extra event: %s", extra.data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSlowConsumerDisconnected(t *testing.T) {
	memLog, b := newBroadcastFixture(t, WithClientBuffer(1))

	slow, cancelSlow, err := b.register("")
	if err != nil {
		t.Fatalf("register slow: %v", err)
	}
	defer cancelSlow()

	healthy, cancelHealthy, err := b.register("")
	if err != nil {
		t.Fatalf("register healthy: %v", err)
	}
	defer cancelHealthy()

	var mu sync.Mutex
	received := 0
	go func() {
		for range healthy.ch {
			mu.Lock()
			received++
			mu.Unlock()
		}
	}()

	for i := 0; i < 3; i++ {
		appendLifecycle(t, memLog, "r1")
	}

	deadline := time.Now().Add(2 * time.Second)
	closed := false
	drained := 0
	for !closed && time.Now().Before(deadline) {
		select {
		case _, ok := <-slow.ch:
			if !ok {
				closed = true
			} else {
				drained++
			}
		case <-time.After(20 * time.Millisecond):
		}
	}
	if !closed {
		t.Fatal("slow client was not disconnected")
	}
	if drained > 1 {
		t.Fatalf("slow client drained %d events from a buffer of 1", drained)
	}

	// The healthy reader keeps its subscription and sees every event.
	for {
		mu.Lock()
		n := received
		mu.Unlock()
		if n == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("healthy client received %d of 3 events", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServeStreamWireFormat(t *testing.T) {
	memLog, b := newBroadcastFixture(t)
	server := httptest.NewServer(http.HandlerFunc(b.serveStream))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"?run_id=r1", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type = %q", got)
	}

	appendLifecycle(t, memLog, "r1")

	scanner := bufio.NewScanner(resp.Body)
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = line
			break
		}
	}
	if eventLine != "event: run.Created" {
		t.Fatalf("event line = %q", eventLine)
	}
	if !strings.Contains(dataLine, `"run_id":"r1"`) {
		t.Fatalf("data line = %q", dataLine)
	}
}
