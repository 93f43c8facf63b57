package fault

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := New(KindTimeout, "call exceeded %dms", 500)
	if KindOf(err) != KindTimeout {
		t.Fatalf("KindOf = %s, want timeout", KindOf(err))
	}
}

func TestKindOfWrappedChain(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("dispatch: %w", Wrap(KindTransport, cause))

	if KindOf(err) != KindTransport {
		t.Fatalf("KindOf through fmt.Errorf = %s, want transport_error", KindOf(err))
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected the wrapped cause to be reachable via errors.Is")
	}
}

func TestKindOfPlainError(t *testing.T) {
	if KindOf(errors.New("boom")) != KindInternal {
		t.Fatal("errors outside the taxonomy report internal")
	}
}

func TestIs(t *testing.T) {
	err := New(KindNoEligibleProvider, "nothing matched")
	if !Is(err, KindNoEligibleProvider) {
		t.Fatal("Is should match the carried kind")
	}
	if Is(err, KindTimeout) {
		t.Fatal("Is should reject other kinds")
	}
}

func TestErrorString(t *testing.T) {
	cases := []struct {
		err  *Error
		want string
	}{
		{New(KindTimeout, "deadline hit"), "timeout: deadline hit"},
		{Wrap(KindTransport, errors.New("eof")), "transport_error: eof"},
		{&Error{Kind: KindInternal}, "internal"},
	}
	for _, c := range cases {
		if got := c.err.Error(); got != c.want {
			t.Errorf("Error() = %q, want %q", got, c.want)
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindInvalidRequest:     http.StatusBadRequest,
		KindUpstream4xx:        http.StatusBadRequest,
		KindUnknownProvider:    http.StatusNotFound,
		KindNoEligibleProvider: http.StatusConflict,
		KindFusionEmpty:        http.StatusConflict,
		KindShortCircuited:     http.StatusServiceUnavailable,
		KindTimeout:            http.StatusGatewayTimeout,
		KindCancelled:          499,
		KindTransport:          http.StatusBadGateway,
		KindUpstream5xx:        http.StatusBadGateway,
		KindInternal:           http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := HTTPStatus(kind); got != want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", kind, got, want)
		}
	}
}

func TestOutcomeForKind(t *testing.T) {
	cases := map[Kind]Outcome{
		KindTimeout:        OutcomeTimeout,
		KindCancelled:      OutcomeCancelled,
		KindShortCircuited: OutcomeShortCircuited,
		KindUpstream5xx:    OutcomeError,
		KindTransport:      OutcomeError,
		KindInvalidRequest: OutcomeError,
	}
	for kind, want := range cases {
		if got := OutcomeForKind(kind); got != want {
			t.Errorf("OutcomeForKind(%s) = %s, want %s", kind, got, want)
		}
	}
}

func TestCountsAsCircuitFailure(t *testing.T) {
	trip := []Kind{KindTimeout, KindTransport, KindUpstream5xx}
	for _, k := range trip {
		if !CountsAsCircuitFailure(k) {
			t.Errorf("%s should trip the breaker", k)
		}
	}
	spare := []Kind{KindUpstream4xx, KindCancelled, KindInvalidRequest, KindShortCircuited}
	for _, k := range spare {
		if CountsAsCircuitFailure(k) {
			t.Errorf("%s must not trip the breaker", k)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(KindTimeout) || !Retryable(KindTransport) || !Retryable(KindUpstream5xx) {
		t.Fatal("dependency faults are retryable")
	}
	if Retryable(KindUpstream4xx) || Retryable(KindCancelled) {
		t.Fatal("input faults and cancellation are not retryable")
	}
}
