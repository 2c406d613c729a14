package container

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// fakeComponent 记录启停顺序，可注入启动/探活失败。
type fakeComponent struct {
	name       string
	failStart  bool
	failHealth bool
	events     *[]string
}

func (f *fakeComponent) Name() string { return f.name }

func (f *fakeComponent) Start(ctx context.Context) error {
	if f.failStart {
		return errors.New("boom")
	}
	*f.events = append(*f.events, "start:"+f.name)
	return nil
}

func (f *fakeComponent) Stop() error {
	*f.events = append(*f.events, "stop:"+f.name)
	return nil
}

func (f *fakeComponent) Health() error {
	if f.failHealth {
		return errors.New("degraded")
	}
	return nil
}

func TestStartAllRollsBackOnFailure(t *testing.T) {
	var events []string
	m := NewLifecycleManager()
	m.Register(&fakeComponent{name: "a", events: &events})
	m.Register(&fakeComponent{name: "b", events: &events})
	m.Register(&fakeComponent{name: "c", failStart: true, events: &events})

	err := m.StartAll(context.Background())
	if err == nil {
		t.Fatalf("expected start failure")
	}
	// 错误带上失败组件的名字
	if !strings.Contains(err.Error(), "start c") {
		t.Fatalf("expected named error, got %v", err)
	}
	// 已启动的组件逆序回滚
	want := []string{"start:a", "start:b", "stop:b", "stop:a"}
	if len(events) != len(want) {
		t.Fatalf("unexpected events: %v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("event %d: got %s, want %s", i, events[i], want[i])
		}
	}
}

func TestStopAllReverseOrder(t *testing.T) {
	var events []string
	m := NewLifecycleManager()
	m.Register(&fakeComponent{name: "a", events: &events})
	m.Register(&fakeComponent{name: "b", events: &events})

	if err := m.StartAll(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.StopAll(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	want := []string{"start:a", "start:b", "stop:b", "stop:a"}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("event %d: got %s, want %s", i, events[i], want[i])
		}
	}
}

func TestCheckHealthNamesComponent(t *testing.T) {
	var events []string
	m := NewLifecycleManager()
	m.Register(&fakeComponent{name: "healthy", events: &events})
	m.Register(&fakeComponent{name: "feed", failHealth: true, events: &events})

	err := m.CheckHealth()
	if err == nil {
		t.Fatalf("expected health failure")
	}
	if !strings.Contains(err.Error(), "feed unhealthy") {
		t.Fatalf("expected named health error, got %v", err)
	}
}
