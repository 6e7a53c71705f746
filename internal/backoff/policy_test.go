package backoff

import (
	"testing"
	"time"
)

func fixedJitter(p Policy) Policy {
	p.jitter = func() float64 { return 1.0 }
	return p
}

func TestClassify(t *testing.T) {
	cases := []struct {
		status int
		want   Class
	}{
		{200, OK},
		{202, OK},
		{401, Auth},
		{403, Auth},
		{429, Transient},
		{500, Transient},
		{503, Transient},
		{599, Transient},
		{400, Fatal},
		{404, Fatal},
		{422, Fatal},
		{301, Fatal},
	}
	for _, tc := range cases {
		if got := Classify(tc.status); got != tc.want {
			t.Errorf("Classify(%d) = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestDecideRetriesTransientUntilCap(t *testing.T) {
	p := fixedJitter(New(4, 100*time.Millisecond))

	for attempt := 1; attempt < 4; attempt++ {
		d := p.Decide(429, attempt, "")
		if !d.Retry {
			t.Fatalf("attempt %d: expected retry", attempt)
		}
		want := 100 * time.Millisecond << (attempt - 1)
		if d.Delay != want {
			t.Errorf("attempt %d: delay = %s, want %s", attempt, d.Delay, want)
		}
	}

	if d := p.Decide(429, 4, ""); d.Retry {
		t.Fatalf("expected give-up at attempt cap, got retry with delay %s", d.Delay)
	}
}

func TestDecideHonorsRetryAfterSeconds(t *testing.T) {
	p := fixedJitter(New(4, 100*time.Millisecond))
	d := p.Decide(429, 1, "7")
	if !d.Retry || d.Delay != 7*time.Second {
		t.Fatalf("got %+v, want retry with 7s delay", d)
	}
}

func TestDecideIgnoresUnparseableRetryAfter(t *testing.T) {
	p := fixedJitter(New(4, 100*time.Millisecond))
	d := p.Decide(503, 1, "soon")
	if !d.Retry || d.Delay != 100*time.Millisecond {
		t.Fatalf("got %+v, want exponential fallback", d)
	}
}

func TestDecideNeverRetriesFatalOrAuth(t *testing.T) {
	p := New(4, 100*time.Millisecond)
	for _, status := range []int{400, 401, 403, 404, 422} {
		if d := p.Decide(status, 1, ""); d.Retry {
			t.Errorf("status %d: expected give-up", status)
		}
	}
}

func TestRetryTransientFollowsSameBudget(t *testing.T) {
	p := fixedJitter(New(3, 50*time.Millisecond))
	if d := p.RetryTransient(1); !d.Retry {
		t.Fatal("expected retry for first network failure")
	}
	if d := p.RetryTransient(3); d.Retry {
		t.Fatal("expected give-up at attempt cap")
	}
}

func TestJitterBounds(t *testing.T) {
	p := New(5, time.Second)
	for i := 0; i < 100; i++ {
		d := p.Decide(500, 1, "")
		if d.Delay < 500*time.Millisecond || d.Delay > time.Second {
			t.Fatalf("jittered delay %s outside [base/2, base]", d.Delay)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	if d, ok := ParseRetryAfter("120", now); !ok || d != 2*time.Minute {
		t.Errorf("seconds form: got %s, %v", d, ok)
	}
	httpDate := now.Add(90 * time.Second).Format("Mon, 02 Jan 2006 15:04:05 GMT")
	if d, ok := ParseRetryAfter(httpDate, now); !ok || d != 90*time.Second {
		t.Errorf("date form: got %s, %v", d, ok)
	}
	past := now.Add(-time.Hour).Format("Mon, 02 Jan 2006 15:04:05 GMT")
	if d, ok := ParseRetryAfter(past, now); !ok || d != 0 {
		t.Errorf("past date: got %s, %v", d, ok)
	}
	if _, ok := ParseRetryAfter("", now); ok {
		t.Error("empty value should not parse")
	}
	if _, ok := ParseRetryAfter("-5", now); ok {
		t.Error("negative seconds should not parse")
	}
	if _, ok := ParseRetryAfter("soon", now); ok {
		t.Error("garbage should not parse")
	}
}
