package matcher

import (
	"encoding/json"
	"testing"
)

func TestGoal_UnmarshalJSON(t *testing.T) {
	var req BatchRequest
	body := `{"goals": ["Kupariputki 22mm 5m", {"term": "Palloventtiili DN25", "quantity": 4, "unit": "pcs"}]}`
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(req.Goals) != 2 {
		t.Fatalf("goals = %d, want 2", len(req.Goals))
	}
	if req.Goals[0] != (Goal{Term: "Kupariputki 22mm 5m"}) {
		t.Errorf("goal 1 = %+v", req.Goals[0])
	}
	if g := req.Goals[1]; g.Term != "Palloventtiili DN25" || g.Quantity != 4 || g.Unit != "pcs" {
		t.Errorf("goal 2 = %+v", g)
	}

	if err := json.Unmarshal([]byte(`{"goals": [42]}`), &req); err == nil {
		t.Error("numeric goal accepted")
	}
}

func TestStatus_Terminal(t *testing.T) {
	if StatusPending.Terminal() {
		t.Error("pending is terminal")
	}
	if !StatusMatched.Terminal() || !StatusNoMatch.Terminal() {
		t.Error("matched and no_match must be terminal")
	}
}

func TestNavigation_String(t *testing.T) {
	if got := (Navigation{}).String(); got != "GLOBAL" {
		t.Errorf("global = %q", got)
	}
	if got := (Navigation{Group: "1201"}).String(); got != "GROUP(1201)" {
		t.Errorf("group = %q", got)
	}
}
