package journal

import "testing"

func TestRevertToSnapshot(t *testing.T) {
	j := New()
	x := 0

	set := func(v int) {
		prev := x
		x = v
		j.Append(func() { x = prev })
	}

	set(1)
	snap := j.Snapshot()
	set(2)
	set(3)

	j.RevertToSnapshot(snap)
	if x != 1 {
		t.Fatalf("x = %d, want 1", x)
	}
	if j.Len() != 1 {
		t.Errorf("journal len = %d, want 1", j.Len())
	}

	j.RevertToSnapshot(0)
	if x != 0 {
		t.Fatalf("x = %d, want 0", x)
	}
}

func TestNestedSnapshots(t *testing.T) {
	j := New()
	var log []string

	push := func(s string) {
		log = append(log, s)
		j.Append(func() { log = log[:len(log)-1] })
	}

	outer := j.Snapshot()
	push("a")
	inner := j.Snapshot()
	push("b")
	j.RevertToSnapshot(inner)
	push("c")

	if len(log) != 2 || log[0] != "a" || log[1] != "c" {
		t.Fatalf("log = %v, want [a c]", log)
	}

	j.RevertToSnapshot(outer)
	if len(log) != 0 {
		t.Fatalf("log = %v, want empty", log)
	}
}

func TestResetKeepsState(t *testing.T) {
	j := New()
	x := 5
	j.Append(func() { x = 0 })
	j.Reset()

	j.RevertToSnapshot(0)
	if x != 5 {
		t.Errorf("reset journal reverted committed state: x = %d", x)
	}
}

func TestInvalidSnapshotPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for snapshot beyond journal length")
		}
	}()
	New().RevertToSnapshot(3)
}

func TestNilJournalIsNoop(t *testing.T) {
	var j *Journal
	j.Append(func() { t.Fatal("nil journal must not record") })
	if j.Snapshot() != 0 {
		t.Error("nil journal snapshot should be 0")
	}
	j.RevertToSnapshot(0)
}
