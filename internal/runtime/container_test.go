package runtime

import (
	"strings"
	"testing"
)

type fakeSubsystem struct {
	name    string
	deps    []string
	initLog *[]string
	downLog *[]string
	updates int
	initErr error
}

func (f *fakeSubsystem) Name() string           { return f.name }
func (f *fakeSubsystem) Dependencies() []string { return f.deps }
func (f *fakeSubsystem) Update(dt float64)      { f.updates++ }

func (f *fakeSubsystem) Initialize() error {
	if f.initLog != nil {
		*f.initLog = append(*f.initLog, f.name)
	}
	return f.initErr
}

func (f *fakeSubsystem) Shutdown() error {
	if f.downLog != nil {
		*f.downLog = append(*f.downLog, f.name)
	}
	return nil
}

func TestInitializeOrderFollowsDependencies(t *testing.T) {
	var initLog, downLog []string
	c := NewContainer(nil)
	subs := []*fakeSubsystem{
		{name: "streamer", deps: []string{"registry"}, initLog: &initLog, downLog: &downLog},
		{name: "registry", deps: []string{"chunkstore"}, initLog: &initLog, downLog: &downLog},
		{name: "chunkstore", initLog: &initLog, downLog: &downLog},
	}
	for _, s := range subs {
		if err := c.Register(s); err != nil {
			t.Fatalf("Register %s: %v", s.name, err)
		}
	}
	if err := c.InitializeAll(); err != nil {
		t.Fatalf("InitializeAll: %v", err)
	}

	pos := map[string]int{}
	for i, name := range initLog {
		pos[name] = i
	}
	if pos["chunkstore"] > pos["registry"] || pos["registry"] > pos["streamer"] {
		t.Fatalf("init order %v violates dependencies", initLog)
	}

	c.UpdateAll(0.1)
	for _, s := range subs {
		if s.updates != 1 {
			t.Fatalf("%s updated %d times, want 1", s.name, s.updates)
		}
	}

	if err := c.ShutdownAll(); err != nil {
		t.Fatalf("ShutdownAll: %v", err)
	}
	for i := range initLog {
		if initLog[i] != downLog[len(downLog)-1-i] {
			t.Fatalf("shutdown order %v is not the reverse of init order %v", downLog, initLog)
		}
	}
}

func TestDependencyCycleDetected(t *testing.T) {
	c := NewContainer(nil)
	_ = c.Register(&fakeSubsystem{name: "a", deps: []string{"b"}})
	_ = c.Register(&fakeSubsystem{name: "b", deps: []string{"a"}})
	err := c.InitializeAll()
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("error %q should name the cycle", err)
	}
}

func TestUnknownDependencyRejected(t *testing.T) {
	c := NewContainer(nil)
	_ = c.Register(&fakeSubsystem{name: "a", deps: []string{"missing"}})
	if err := c.InitializeAll(); err == nil {
		t.Fatal("expected unknown dependency error")
	}
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	c := NewContainer(nil)
	if err := c.Register(&fakeSubsystem{name: "a"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := c.Register(&fakeSubsystem{name: "a"}); err == nil {
		t.Fatal("duplicate name should be rejected")
	}
}
