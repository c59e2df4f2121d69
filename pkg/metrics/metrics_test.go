package metrics

import "testing"

func TestExecutionOutcome(t *testing.T) {
	cases := []struct {
		reverted bool
		reason   string
		want     string
	}{
		{false, "", "ok"},
		{true, "out of gas", "out_of_gas"},
		{true, "revert: insufficient balance", "revert"},
	}
	for _, c := range cases {
		if got := ExecutionOutcome(c.reverted, c.reason); got != c.want {
			t.Errorf("ExecutionOutcome(%v, %q) = %q, want %q", c.reverted, c.reason, got, c.want)
		}
	}
}

func TestNew_RegistersWithoutPanicking(t *testing.T) {
	r := New()
	if r.Gatherer() == nil {
		t.Fatal("expected a non-nil gatherer")
	}
	families, err := r.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected at least one registered metric family")
	}
}
