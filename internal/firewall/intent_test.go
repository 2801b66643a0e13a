package firewall

import (
	"testing"

	"agentswitchboard/internal/domain"
)

func TestClassifyIntentEmptyIsUnknown(t *testing.T) {
	cat, score, confidence := classifyIntent("")
	if cat != domain.IntentUnknown || score != 0 || confidence != 0 {
		t.Fatalf("expected unknown/0/0 for empty input, got %s/%.2f/%.2f", cat, score, confidence)
	}
}

func TestClassifyIntentPicksHighestWeightedCategory(t *testing.T) {
	cat, _, _ := classifyIntent("please delete and destroy this record")
	if cat != domain.IntentDestructive {
		t.Errorf("expected destructive, got %s", cat)
	}
}

func TestClassifyIntentConfidenceCapped(t *testing.T) {
	// Many repeats of a high-weight keyword should saturate confidence at 0.95.
	_, _, confidence := classifyIntent("delete delete delete delete delete delete delete delete delete delete")
	if confidence > 0.95 {
		t.Errorf("expected confidence capped at 0.95, got %.3f", confidence)
	}
}

func TestClassifyIntentCaseInsensitive(t *testing.T) {
	lower, _, _ := classifyIntent("please DROP and DELETE this")
	upper, _, _ := classifyIntent("please drop and delete this")
	if lower != upper {
		t.Errorf("expected case-insensitive classification to agree: %s vs %s", lower, upper)
	}
}
