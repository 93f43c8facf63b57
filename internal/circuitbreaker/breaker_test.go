package circuitbreaker

import (
	"testing"
	"time"
)

// testBreaker builds a breaker with a controllable clock. The returned
// func advances the clock.
func testBreaker(t *testing.T, opts ...Option) (*Breaker, func(time.Duration)) {
	t.Helper()
	now := time.Now()
	opts = append(opts, WithClock(func() time.Time { return now }))
	b := New(opts...)
	return b, func(d time.Duration) { now = now.Add(d) }
}

func TestClosedAllowsRequests(t *testing.T) {
	b := New()
	if !b.Allow() {
		t.Fatal("closed breaker should allow requests")
	}
	if b.CurrentState() != Closed {
		t.Fatalf("expected Closed, got %s", b.CurrentState())
	}
}

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	b := New(WithFailureThreshold(3))

	b.RecordFailure()
	b.RecordFailure()
	if b.CurrentState() != Closed {
		t.Fatalf("expected Closed after 2 failures, got %s", b.CurrentState())
	}
	if !b.Allow() {
		t.Fatal("should still allow after 2 failures")
	}

	b.RecordFailure()
	if b.CurrentState() != Open {
		t.Fatalf("expected Open after 3 failures, got %s", b.CurrentState())
	}
}

func TestDefaultThresholdIsFive(t *testing.T) {
	b := New()
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if b.CurrentState() != Closed {
		t.Fatalf("expected Closed after 4 failures, got %s", b.CurrentState())
	}
	b.RecordFailure()
	if b.CurrentState() != Open {
		t.Fatalf("expected Open after 5 failures, got %s", b.CurrentState())
	}
}

func TestOpenRejectsRequests(t *testing.T) {
	b, _ := testBreaker(t, WithFailureThreshold(1), WithCooldown(10*time.Second))

	b.RecordFailure()
	if b.CurrentState() != Open {
		t.Fatalf("expected Open, got %s", b.CurrentState())
	}
	if b.Allow() {
		t.Fatal("open breaker should reject requests")
	}
}

func TestHalfOpenAfterCooldown(t *testing.T) {
	b, advance := testBreaker(t, WithFailureThreshold(1), WithCooldown(10*time.Second))

	b.RecordFailure()
	advance(9 * time.Second)
	if b.Allow() {
		t.Fatal("should still reject before cooldown elapses")
	}

	advance(2 * time.Second)
	if !b.Allow() {
		t.Fatal("should allow one probe after cooldown")
	}
	if b.CurrentState() != HalfOpen {
		t.Fatalf("expected HalfOpen, got %s", b.CurrentState())
	}

	// Only one probe may be outstanding.
	if b.Allow() {
		t.Fatal("should reject a second concurrent probe")
	}
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	b, advance := testBreaker(t,
		WithFailureThreshold(1), WithSuccessThreshold(2), WithCooldown(5*time.Second))

	b.RecordFailure()
	advance(6 * time.Second)

	if !b.Allow() {
		t.Fatal("should allow first probe")
	}
	b.RecordSuccess()
	if b.CurrentState() != HalfOpen {
		t.Fatalf("one success must not close yet, got %s", b.CurrentState())
	}

	if !b.Allow() {
		t.Fatal("should allow second probe after first succeeded")
	}
	b.RecordSuccess()
	if b.CurrentState() != Closed {
		t.Fatalf("expected Closed after 2 probe successes, got %s", b.CurrentState())
	}
	if !b.Allow() {
		t.Fatal("closed breaker should allow requests")
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, advance := testBreaker(t, WithFailureThreshold(1), WithCooldown(5*time.Second))

	b.RecordFailure()
	advance(6 * time.Second)
	b.Allow()

	b.RecordFailure()
	if b.CurrentState() != Open {
		t.Fatalf("expected Open after probe failure, got %s", b.CurrentState())
	}
	if b.Allow() {
		t.Fatal("should reject immediately after reopening")
	}

	// The cooldown restarts from the reopen.
	advance(4 * time.Second)
	if b.Allow() {
		t.Fatal("cooldown must restart after a failed probe")
	}
	advance(2 * time.Second)
	if !b.Allow() {
		t.Fatal("should probe again after the new cooldown")
	}
}

func TestRecordNeutralReleasesProbeSlot(t *testing.T) {
	b, advance := testBreaker(t, WithFailureThreshold(1), WithCooldown(5*time.Second))

	b.RecordFailure()
	advance(6 * time.Second)
	if !b.Allow() {
		t.Fatal("should allow probe")
	}

	// Probe was cancelled by the caller: no verdict either way.
	b.RecordNeutral()
	if b.CurrentState() != HalfOpen {
		t.Fatalf("neutral outcome must not change state, got %s", b.CurrentState())
	}
	if !b.Allow() {
		t.Fatal("probe slot should be free again after a neutral outcome")
	}
}

func TestRecordNeutralDoesNotResetFailureCount(t *testing.T) {
	b := New(WithFailureThreshold(2))
	b.RecordFailure()
	b.RecordNeutral()
	b.RecordFailure()
	if b.CurrentState() != Open {
		t.Fatalf("expected Open, got %s", b.CurrentState())
	}
}

func TestRecordSuccessResetsFailureCount(t *testing.T) {
	b := New(WithFailureThreshold(3))

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()

	b.RecordFailure()
	b.RecordFailure()
	if b.CurrentState() != Closed {
		t.Fatalf("expected Closed, got %s", b.CurrentState())
	}
	b.RecordFailure()
	if b.CurrentState() != Open {
		t.Fatalf("expected Open after 3 fresh failures, got %s", b.CurrentState())
	}
}

func TestOnStateChangeCallback(t *testing.T) {
	var transitions []struct{ from, to State }
	cb := func(from, to State) {
		transitions = append(transitions, struct{ from, to State }{from, to})
	}

	b, advance := testBreaker(t,
		WithFailureThreshold(1), WithSuccessThreshold(1),
		WithCooldown(5*time.Second), WithOnStateChange(cb))

	b.RecordFailure()
	advance(6 * time.Second)
	b.Allow()
	b.RecordSuccess()

	expected := []struct{ from, to State }{
		{Closed, Open},
		{Open, HalfOpen},
		{HalfOpen, Closed},
	}
	if len(transitions) != len(expected) {
		t.Fatalf("expected %d transitions, got %d", len(expected), len(transitions))
	}
	for i, tr := range transitions {
		if tr != expected[i] {
			t.Errorf("transition %d: expected %s->%s, got %s->%s",
				i, expected[i].from, expected[i].to, tr.from, tr.to)
		}
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{Closed, "closed"},
		{Open, "open"},
		{HalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestOptionsIgnoreNonPositive(t *testing.T) {
	b := New(WithFailureThreshold(0), WithSuccessThreshold(-1), WithCooldown(0))
	if b.failureThreshold != defaultFailureThreshold {
		t.Fatalf("failureThreshold = %d, want %d", b.failureThreshold, defaultFailureThreshold)
	}
	if b.successThreshold != defaultSuccessThreshold {
		t.Fatalf("successThreshold = %d, want %d", b.successThreshold, defaultSuccessThreshold)
	}
	if b.cooldown != defaultCooldown {
		t.Fatalf("cooldown = %v, want %v", b.cooldown, defaultCooldown)
	}
}

func TestSetCreatesIndependentBreakers(t *testing.T) {
	s := NewSet(WithFailureThreshold(1))

	s.For("anthropic").RecordFailure()
	if !s.IsOpen("anthropic") {
		t.Fatal("anthropic breaker should be open")
	}
	if s.IsOpen("openai") {
		t.Fatal("openai breaker must be unaffected")
	}
	if s.IsOpen("never-seen") {
		t.Fatal("unknown destinations report closed")
	}

	if s.For("anthropic") != s.For("anthropic") {
		t.Fatal("For must return the same breaker per destination")
	}
}

func TestSetOnStateChange(t *testing.T) {
	s := NewSet(WithFailureThreshold(1))

	type event struct {
		dest     string
		from, to State
	}
	var events []event
	s.OnStateChange(func(dest string, from, to State) {
		events = append(events, event{dest, from, to})
	})

	s.For("openai").RecordFailure()

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0] != (event{"openai", Closed, Open}) {
		t.Fatalf("unexpected event %+v", events[0])
	}
}

func TestSetStates(t *testing.T) {
	s := NewSet(WithFailureThreshold(1))
	s.For("a")
	s.For("b").RecordFailure()

	states := s.States()
	if states["a"] != Closed || states["b"] != Open {
		t.Fatalf("unexpected states %v", states)
	}
}
