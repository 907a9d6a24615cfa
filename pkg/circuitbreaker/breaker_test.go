package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errStore = errors.New("connection refused")

func testConfig(name string) Config {
	cfg := DefaultConfig(name)
	cfg.FailureThreshold = 2
	cfg.MinRequests = 100
	cfg.Timeout = time.Hour
	return cfg
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []State
	)
	cfg := testConfig("store")
	cfg.OnStateChange = func(name string, from, to State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	}

	cb, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := cb.Execute(ctx, func() (interface{}, error) { return nil, errStore }); !errors.Is(err, errStore) {
			t.Fatalf("attempt %d: got %v", i, err)
		}
	}

	if !cb.IsOpen() {
		t.Fatalf("breaker state = %s, want open", cb.GetState())
	}

	called := false
	_, err = cb.Execute(ctx, func() (interface{}, error) {
		called = true
		return nil, nil
	})
	if !IsOpen(err) {
		t.Errorf("expected open-state error, got %v", err)
	}
	if called {
		t.Error("function ran while breaker was open")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Errorf("transitions = %v", transitions)
	}
}

func TestIsSuccessfulKeepsBreakerClosed(t *testing.T) {
	errNotFound := errors.New("prescription not found")
	cfg := testConfig("store")
	cfg.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, errNotFound)
	}

	cb, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for i := 0; i < 5; i++ {
		_, err := cb.Execute(context.Background(), func() (interface{}, error) { return nil, errNotFound })
		if !errors.Is(err, errNotFound) {
			t.Fatalf("domain error not returned: %v", err)
		}
	}
	if !cb.IsClosed() {
		t.Errorf("domain errors tripped the breaker: %s", cb.GetState())
	}
}

func TestManagerHealthStatus(t *testing.T) {
	m := NewManager(nil)
	a, err := m.GetOrCreate("record-store", testConfig(""))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	again, _ := m.GetOrCreate("record-store", testConfig(""))
	if a != again {
		t.Error("GetOrCreate returned a second breaker for the same name")
	}
	if _, err := m.GetOrCreate("broker", testConfig("")); err != nil {
		t.Fatalf("create: %v", err)
	}

	statuses := m.GetHealthStatus()
	if len(statuses) != 2 || statuses[0].Name != "broker" || statuses[1].Name != "record-store" {
		t.Fatalf("statuses = %+v", statuses)
	}
	for _, s := range statuses {
		if !s.Healthy {
			t.Errorf("%s should be healthy", s.Name)
		}
	}
}
