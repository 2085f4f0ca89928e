package capture

import "testing"

func TestFilter_AllowListedShortAnswer(t *testing.T) {
	f := NewFilter(2)
	if v, reason := f.Check("Yes."); v != VerdictAccept {
		t.Fatalf("verdict=%v reason=%q, want accept", v, reason)
	}
	if v, _ := f.Check("goodbye"); v != VerdictAccept {
		t.Fatalf("goodbye not accepted")
	}
}

func TestFilter_SingleBareWordRejected(t *testing.T) {
	f := NewFilter(2)
	v, reason := f.Check("you")
	if v != VerdictReject {
		t.Fatalf("verdict=%v, want reject", v)
	}
	if reason != "single bare word" {
		t.Fatalf("reason=%q", reason)
	}
}

func TestFilter_HallucinatedPhrase(t *testing.T) {
	f := NewFilter(2)
	if v, _ := f.Check("Thank you for watching!"); v != VerdictReject {
		t.Fatalf("verdict=%v, want reject", v)
	}
	if v, _ := NewFilter(2).Check("Please subscribe to my channel"); v != VerdictReject {
		t.Fatalf("verdict=%v, want reject", v)
	}
}

func TestFilter_ExcessiveRepetition(t *testing.T) {
	f := NewFilter(2)
	if v, reason := f.Check("the the the the the okay"); v != VerdictReject || reason != "excessive repetition" {
		t.Fatalf("verdict=%v reason=%q", v, reason)
	}
}

func TestFilter_ShortAverageWordLength(t *testing.T) {
	f := NewFilter(2)
	if v, reason := f.Check("a o e u"); v != VerdictReject || reason != "short average word length" {
		t.Fatalf("verdict=%v reason=%q", v, reason)
	}
}

func TestFilter_NormalSentenceAccepted(t *testing.T) {
	f := NewFilter(2)
	if v, _ := f.Check("I'd like to book a cleaning for next Tuesday."); v != VerdictAccept {
		t.Fatal("normal sentence rejected")
	}
}

func TestFilter_PassthroughAfterBudget(t *testing.T) {
	f := NewFilter(2)
	if v, _ := f.Check("you"); v != VerdictReject {
		t.Fatal("first suspect should reject")
	}
	if v, _ := f.Check("you"); v != VerdictReject {
		t.Fatal("second suspect should reject")
	}
	if v, _ := f.Check("you"); v != VerdictPassthrough {
		t.Fatal("third consecutive suspect should pass through")
	}
	// Budget resets after passthrough.
	if v, _ := f.Check("you"); v != VerdictReject {
		t.Fatal("budget should reset after passthrough")
	}
}

func TestFilter_AcceptResetsBudget(t *testing.T) {
	f := NewFilter(2)
	f.Check("you")
	f.Check("I need an appointment")
	f.Check("you")
	if v, _ := f.Check("you"); v != VerdictReject {
		t.Fatal("accept in between must reset the consecutive counter")
	}
}
