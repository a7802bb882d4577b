package tokencount

import "testing"

func TestEstimateASCII(t *testing.T) {
	got := Estimate("abcd")
	if got != 1 {
		t.Errorf("Estimate(\"abcd\") = %d, want 1", got)
	}
}

func TestEstimateCJK(t *testing.T) {
	got := Estimate("你好")
	if got != 2 {
		t.Errorf("Estimate(CJK two chars) = %d, want 2", got)
	}
}

func TestEstimateMixed(t *testing.T) {
	got := Estimate("ab你好")
	want := 1 + 2 // ceil(2/4) + ceil(2/1.5)
	if got != want {
		t.Errorf("Estimate(mixed) = %d, want %d", got, want)
	}
}

func TestEstimateEmpty(t *testing.T) {
	if got := Estimate(""); got != 0 {
		t.Errorf("Estimate(\"\") = %d, want 0", got)
	}
}

func TestTruncateNoop(t *testing.T) {
	s := "short text"
	if got := Truncate(s, 1000); got != s {
		t.Errorf("Truncate should be no-op for short text, got %q", got)
	}
}

func TestTruncateRespectsBudget(t *testing.T) {
	long := ""
	for i := 0; i < 200; i++ {
		long += "word "
	}
	got := Truncate(long, 10)
	if Estimate(got) > 10 {
		t.Errorf("Truncate result exceeds budget: %d tokens", Estimate(got))
	}
	if got == long {
		t.Errorf("expected truncation to occur")
	}
}
