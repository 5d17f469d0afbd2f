package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

type scriptedChannel struct {
	errs  []error
	calls int
}

func (c *scriptedChannel) Send(ctx context.Context, msg Message) error {
	c.calls++
	if c.calls <= len(c.errs) {
		return c.errs[c.calls-1]
	}
	return nil
}

func (c *scriptedChannel) Close() error { return nil }

func TestSendWithRetry(t *testing.T) {
	transient := &DeliveryError{Reason: "451 try later", Retryable: true}
	permanent := &DeliveryError{Reason: "550 no such user"}

	tests := []struct {
		name         string
		errs         []error
		max          int
		wantStatus   OutcomeStatus
		wantAttempts int
		wantSleeps   []time.Duration
		wantError    string
	}{
		{
			name:         "first attempt succeeds",
			max:          3,
			wantStatus:   OutcomeSuccess,
			wantAttempts: 1,
		},
		{
			name:         "transient then success",
			errs:         []error{transient},
			max:          3,
			wantStatus:   OutcomeSuccess,
			wantAttempts: 2,
			wantSleeps:   []time.Duration{time.Second},
		},
		{
			name:         "exhausted keeps last error",
			errs:         []error{transient, transient, errors.New("timeout")},
			max:          3,
			wantStatus:   OutcomeFailed,
			wantAttempts: 3,
			wantSleeps:   []time.Duration{time.Second, 2 * time.Second},
			wantError:    "timeout",
		},
		{
			name:         "permanent stops immediately",
			errs:         []error{permanent},
			max:          3,
			wantStatus:   OutcomeFailed,
			wantAttempts: 1,
			wantError:    permanent.Error(),
		},
		{
			name:         "zero max falls back to default",
			errs:         []error{transient, transient, transient, transient},
			max:          0,
			wantStatus:   OutcomeFailed,
			wantAttempts: DefaultMaxAttempts,
			wantSleeps:   []time.Duration{time.Second, 2 * time.Second},
			wantError:    transient.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := &scriptedChannel{errs: tt.errs}
			policy := RetryPolicy{MaxAttempts: tt.max, Delay: time.Second, Multiplier: 2, MaxDelay: 10 * time.Second}

			var sleeps []time.Duration
			sleep := func(ctx context.Context, d time.Duration) error {
				sleeps = append(sleeps, d)
				return nil
			}

			var oc RowOutcome
			sendWithRetry(context.Background(), ch, Message{}, policy, sleep, &oc, nil)

			if oc.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", oc.Status, tt.wantStatus)
			}
			if oc.Attempts != tt.wantAttempts {
				t.Errorf("Attempts = %d, want %d", oc.Attempts, tt.wantAttempts)
			}
			if ch.calls != tt.wantAttempts {
				t.Errorf("Send calls = %d, want %d", ch.calls, tt.wantAttempts)
			}
			if oc.Error != tt.wantError {
				t.Errorf("Error = %q, want %q", oc.Error, tt.wantError)
			}
			if len(sleeps) != len(tt.wantSleeps) {
				t.Fatalf("sleeps = %v, want %v", sleeps, tt.wantSleeps)
			}
			for i := range sleeps {
				if sleeps[i] != tt.wantSleeps[i] {
					t.Errorf("sleep[%d] = %v, want %v", i, sleeps[i], tt.wantSleeps[i])
				}
			}
		})
	}
}

func TestRetryPolicy_DelayCapped(t *testing.T) {
	p := RetryPolicy{Delay: time.Second, Multiplier: 3, MaxDelay: 5 * time.Second}

	want := []time.Duration{time.Second, 3 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := p.delay(i + 1); got != w {
			t.Errorf("delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}
