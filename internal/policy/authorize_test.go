package policy

import "testing"

func TestDecideDestinationOpenAllowlist(t *testing.T) {
	got := DecideDestination("+1 (555) 010-0199", nil)
	if !got.Allowed {
		t.Fatalf("Allowed = false, reason %q", got.Reason)
	}
}

func TestDecideDestinationBlocksPremiumRate(t *testing.T) {
	got := DecideDestination("1-900-555-0100", nil)
	if got.Allowed {
		t.Fatalf("Allowed = true for premium-rate number")
	}
	if got := DecideDestination("19005550100", nil); got.Allowed {
		t.Fatalf("Allowed = true for premium-rate number")
	}
}

func TestDecideDestinationAllowlist(t *testing.T) {
	allow := []string{"sales", "+4420*"}
	if got := DecideDestination("sales", allow); !got.Allowed {
		t.Fatalf("sales rejected: %q", got.Reason)
	}
	if got := DecideDestination("+44 20 7946 0000", allow); !got.Allowed {
		t.Fatalf("prefix match rejected: %q", got.Reason)
	}
	if got := DecideDestination("support", allow); got.Allowed {
		t.Fatalf("support allowed, want rejected")
	}
}

func TestDecideDestinationRejectsMalformed(t *testing.T) {
	for _, dest := range []string{"", "   ", "sales; rm -rf", "a/b"} {
		if got := DecideDestination(dest, nil); got.Allowed {
			t.Fatalf("DecideDestination(%q) allowed", dest)
		}
	}
}
