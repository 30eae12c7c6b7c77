package llm

import "testing"

func TestResolveModel(t *testing.T) {
	for _, alias := range []string{"opus", "sonnet", "haiku"} {
		id, err := ResolveModel(alias)
		if err != nil {
			t.Errorf("resolve %q: %v", alias, err)
		}
		if id == "" {
			t.Errorf("resolve %q: empty id", alias)
		}
	}
	if _, err := ResolveModel("gpt-9"); err == nil {
		t.Error("expected error for unknown alias")
	}
}

func TestCost(t *testing.T) {
	// 1M input + 1M output tokens of sonnet is $3 + $15 = $18.
	if got := Cost("sonnet", 1_000_000, 1_000_000); got != 18_000_000 {
		t.Errorf("sonnet cost = %d, want 18000000", got)
	}
	// 1000 in / 500 out of opus: 15000 + 37500 microdollars.
	if got := Cost("opus", 1000, 500); got != 52_500 {
		t.Errorf("opus cost = %d, want 52500", got)
	}
	if got := Cost("unknown", 1000, 1000); got != 0 {
		t.Errorf("unknown alias cost = %d, want 0", got)
	}
}
