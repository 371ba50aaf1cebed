package agent

import "testing"

func TestMachineHappyPath(t *testing.T) {
	m := NewMachine()
	steps := []struct {
		event StateEvent
		want  State
	}{
		{EventStart, StateRunning},
		{EventToolStart, StateTool},
		{EventToolEnd, StateRunning},
		{EventPause, StatePaused},
		{EventResume, StateRunning},
		{EventComplete, StateCompleted},
		{EventStart, StateRunning},
		{EventError, StateError},
		{EventStart, StateRunning},
	}
	for _, s := range steps {
		if err := m.Fire(s.event); err != nil {
			t.Fatalf("Fire(%s) from %s: %v", s.event, m.State(), err)
		}
		if m.State() != s.want {
			t.Fatalf("after %s state = %s, want %s", s.event, m.State(), s.want)
		}
	}
}

func TestMachineRejectsInvalidTransitions(t *testing.T) {
	m := NewMachine()
	if err := m.Fire(EventToolEnd); err == nil {
		t.Error("TOOL_END from Idle accepted")
	}
	if m.State() != StateIdle {
		t.Errorf("state changed on rejected event: %s", m.State())
	}

	if err := m.Fire(EventStart); err != nil {
		t.Fatal(err)
	}
	if err := m.Fire(EventResume); err == nil {
		t.Error("RESUME from Running accepted")
	}
}

func TestMachineRestoreFromAnyState(t *testing.T) {
	for _, setup := range [][]StateEvent{
		nil,
		{EventStart},
		{EventStart, EventToolStart},
		{EventStart, EventComplete},
		{EventStart, EventError},
	} {
		m := NewMachine()
		for _, ev := range setup {
			if err := m.Fire(ev); err != nil {
				t.Fatal(err)
			}
		}
		if err := m.Fire(EventRestore); err != nil {
			t.Errorf("RESTORE from %s: %v", m.State(), err)
		}
		if m.State() != StateIdle {
			t.Errorf("RESTORE landed in %s, want idle", m.State())
		}
	}
}

func TestMachineNotifiesListeners(t *testing.T) {
	m := NewMachine()
	type hop struct {
		from, to State
		event    StateEvent
	}
	var hops []hop
	m.OnTransition(func(from, to State, event StateEvent) {
		hops = append(hops, hop{from, to, event})
	})

	if err := m.Fire(EventStart); err != nil {
		t.Fatal(err)
	}
	if err := m.Fire(EventComplete); err != nil {
		t.Fatal(err)
	}
	// Rejected events must not notify.
	_ = m.Fire(EventToolEnd)

	want := []hop{
		{StateIdle, StateRunning, EventStart},
		{StateRunning, StateCompleted, EventComplete},
	}
	if len(hops) != len(want) {
		t.Fatalf("hops = %d, want %d", len(hops), len(want))
	}
	for i := range want {
		if hops[i] != want[i] {
			t.Errorf("hop %d = %+v, want %+v", i, hops[i], want[i])
		}
	}
}
