package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "THA-AgentHub/internal/errors"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newJob(id string, created time.Time) *Job {
	payBy := created.Add(20 * time.Minute)
	return &Job{
		ID:                        id,
		AgentID:                   "summarizer",
		Input:                     map[string]any{"text": "hello"},
		InputHash:                 "hash-" + id,
		Price:                     Amount{Amount: 10_000_000, Unit: "lovelace"},
		PurchaserIdentifier:       "buyer-1",
		Status:                    StatusAwaitingPayment,
		PaymentStatus:             PaymentPending,
		BlockchainIdentifier:      "0xid-" + id,
		CreatedAt:                 created,
		PayByTime:                 payBy,
		UnlockTime:                payBy.Add(time.Hour),
		ExternalDisputeUnlockTime: payBy.Add(7 * time.Hour),
	}
}

func TestMemoryStoreCreateValidates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	bad := newJob("j1", baseTime)
	bad.UnlockTime = bad.PayByTime
	if err := store.Create(ctx, bad); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected deadline ordering error, got %v", err)
	}

	running := newJob("j2", baseTime)
	running.Status = StatusRunning
	if err := store.Create(ctx, running); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("new jobs must start awaiting payment, got %v", err)
	}

	if err := store.Create(ctx, newJob("j3", baseTime)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, newJob("j3", baseTime)); !errors.Is(err, ErrJobExists) {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
	dupIdentifier := newJob("j4", baseTime)
	dupIdentifier.BlockchainIdentifier = "0xid-j3"
	if err := store.Create(ctx, dupIdentifier); !errors.Is(err, ErrJobExists) {
		t.Fatalf("expected duplicate identifier error, got %v", err)
	}
}

func TestMemoryStoreHappyPathTransitions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, newJob("j1", baseTime)); err != nil {
		t.Fatalf("create: %v", err)
	}

	confirmedAt := baseTime.Add(5 * time.Minute)
	job, err := store.Apply(ctx, "j1", Confirm("tx-1").At(confirmedAt))
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if job.Status != StatusRunning || job.PaymentStatus != PaymentConfirmed || job.TransactionID != "tx-1" {
		t.Fatalf("unexpected job after confirm: %+v", job)
	}
	if !job.UpdatedAt.Equal(confirmedAt) {
		t.Fatalf("transition time not applied: %s", job.UpdatedAt)
	}

	job, err = store.Apply(ctx, "j1", RecordAttempt())
	if err != nil {
		t.Fatalf("record attempt: %v", err)
	}
	if job.DispatchAttempts != 1 || job.Status != StatusRunning {
		t.Fatalf("unexpected job after attempt: %+v", job)
	}

	job, err = store.Apply(ctx, "j1", Complete(json.RawMessage(`{"summary":"hi"}`)))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if job.Status != StatusCompleted || string(job.Result) != `{"summary":"hi"}` || job.SubmitResultTime == nil {
		t.Fatalf("unexpected job after complete: %+v", job)
	}

	if _, err := store.Apply(ctx, "j1", FailDispatch("DISPATCH_TIMEOUT", "late")); !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatalf("terminal job must not change, got %v", err)
	}
	stored, _ := store.Get(ctx, "j1")
	if stored.Status != StatusCompleted || stored.Error != "" {
		t.Fatalf("terminal job was mutated: %+v", stored)
	}
}

func TestMemoryStorePaymentOutcomes(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"exp", "mis", "can"} {
		if err := store.Create(ctx, newJob(id, baseTime)); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	expired, err := store.Apply(ctx, "exp", Expire())
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if expired.Status != StatusExpired || expired.PaymentStatus != PaymentExpired || expired.ErrorCode != string(CodePaymentTimeout) {
		t.Fatalf("unexpected expired job %+v", expired)
	}

	mismatch, err := store.Apply(ctx, "mis", RejectPayment("paid 5 expected 10"))
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if mismatch.Status != StatusFailed || mismatch.PaymentStatus != PaymentFailed || mismatch.Error != "paid 5 expected 10" {
		t.Fatalf("unexpected mismatch job %+v", mismatch)
	}

	cancelled, err := store.Apply(ctx, "can", Cancel())
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled || cancelled.PaymentStatus != PaymentCancelled {
		t.Fatalf("unexpected cancelled job %+v", cancelled)
	}

	if _, err := store.Apply(ctx, "can", Confirm("tx")); !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatalf("cancelled job must not run, got %v", err)
	}
	if _, err := store.Apply(ctx, "missing", Cancel()); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.Apply(ctx, "exp", Transition{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("zero transition should be rejected, got %v", err)
	}
}

func TestMemoryStoreConcurrentConfirmSingleWinner(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, newJob("j1", baseTime)); err != nil {
		t.Fatalf("create: %v", err)
	}

	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Apply(ctx, "j1", Confirm(fmt.Sprintf("tx-%d", i)))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrConcurrencyConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins.Load() != 1 || conflicts.Load() != 31 {
		t.Fatalf("expected exactly one winner, got wins=%d conflicts=%d", wins.Load(), conflicts.Load())
	}
}

func TestMemoryStoreConfirmRacesExpiry(t *testing.T) {
	ctx := context.Background()
	for round := 0; round < 100; round++ {
		store := NewMemoryStore()
		id := fmt.Sprintf("j%d", round)
		if err := store.Create(ctx, newJob(id, baseTime)); err != nil {
			t.Fatalf("create: %v", err)
		}

		var confirmErr, expireErr error
		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, confirmErr = store.Apply(ctx, id, Confirm("tx-late"))
		}()
		go func() {
			defer wg.Done()
			<-start
			_, expireErr = store.Apply(ctx, id, Expire())
		}()
		close(start)
		wg.Wait()

		final, _ := store.Get(ctx, id)
		switch {
		case confirmErr == nil && errors.Is(expireErr, ErrConcurrencyConflict):
			if final.Status != StatusRunning || final.PaymentStatus != PaymentConfirmed {
				t.Fatalf("round %d: confirmation won but job is %s/%s", round, final.Status, final.PaymentStatus)
			}
		case expireErr == nil && errors.Is(confirmErr, ErrConcurrencyConflict):
			if final.Status != StatusExpired || final.TransactionID != "" {
				t.Fatalf("round %d: expiry won but job is %+v", round, final)
			}
		default:
			t.Fatalf("round %d: expected exactly one winner, confirm=%v expire=%v", round, confirmErr, expireErr)
		}
	}
}

func TestMemoryStoreListAndStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		job := newJob(fmt.Sprintf("j%d", i), baseTime.Add(time.Duration(i)*time.Minute))
		if i%2 == 1 {
			job.AgentID = "translator"
		}
		if err := store.Create(ctx, job); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if _, err := store.Apply(ctx, "j0", Cancel()); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	list, err := store.List(ctx, BuildListOptions(WithLimit(2)))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "j4" || list[1].ID != "j3" {
		t.Fatalf("unexpected newest-first page %+v", ids(list))
	}

	page, _ := store.List(ctx, BuildListOptions(WithSortOrder(SortByCreatedAsc), WithOffset(1), WithLimit(2)))
	if len(page) != 2 || page[0].ID != "j1" || page[1].ID != "j2" {
		t.Fatalf("unexpected ascending page %+v", ids(page))
	}

	byAgent, _ := store.List(ctx, BuildListOptions(WithAgent("translator")))
	if len(byAgent) != 2 {
		t.Fatalf("expected two translator jobs, got %d", len(byAgent))
	}

	window, _ := store.List(ctx, BuildListOptions(
		WithCreatedSince(baseTime.Add(time.Minute)),
		WithCreatedUntil(baseTime.Add(3*time.Minute)),
	))
	if len(window) != 3 {
		t.Fatalf("expected three jobs in window, got %d", len(window))
	}

	cancelled, _ := store.List(ctx, BuildListOptions(WithStatuses(StatusCancelled, "bogus")))
	if len(cancelled) != 1 || cancelled[0].ID != "j0" {
		t.Fatalf("unexpected status filter %+v", ids(cancelled))
	}

	stats, err := store.Stats(ctx, BuildListOptions())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 5 || stats.AwaitingPayment != 4 || stats.Cancelled != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if !stats.OldestCreatedAt.Equal(baseTime) || !stats.NewestCreatedAt.Equal(baseTime.Add(4*time.Minute)) {
		t.Fatalf("unexpected stats range %s..%s", stats.OldestCreatedAt, stats.NewestCreatedAt)
	}

	empty, _ := store.Stats(ctx, BuildListOptions(WithPurchaser("nobody")))
	if empty.Total != 0 || empty.OldestCreatedAt != nil {
		t.Fatalf("unexpected empty stats %+v", empty)
	}
}

func TestStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, newJob("j1", baseTime)); err != nil {
		t.Fatalf("create: %v", err)
	}
	job, _ := store.Get(ctx, "j1")
	job.Input["text"] = "mutated"
	job.Status = StatusCompleted

	again, _ := store.Get(ctx, "j1")
	if again.Input["text"] != "hello" || again.Status != StatusAwaitingPayment {
		t.Fatalf("store state leaked: %+v", again)
	}
}

func TestCloneCopiesNestedInput(t *testing.T) {
	original := newJob("j1", baseTime)
	original.Input = map[string]any{
		"filters": map[string]any{"make": "volvo"},
		"years":   []any{2019.0, map[string]any{"from": 2020.0}},
	}
	clone := original.Clone()
	clone.Input["filters"].(map[string]any)["make"] = "saab"
	years := clone.Input["years"].([]any)
	years[0] = 1999.0
	years[1].(map[string]any)["from"] = 1990.0

	if original.Input["filters"].(map[string]any)["make"] != "volvo" {
		t.Fatalf("nested map shared with clone")
	}
	origYears := original.Input["years"].([]any)
	if origYears[0] != 2019.0 || origYears[1].(map[string]any)["from"] != 2020.0 {
		t.Fatalf("nested slice shared with clone: %v", origYears)
	}
}

func TestTransitionsHaveFixedEndpoints(t *testing.T) {
	cases := []struct {
		transition Transition
		from, to   Status
	}{
		{Confirm("tx"), StatusAwaitingPayment, StatusRunning},
		{Expire(), StatusAwaitingPayment, StatusExpired},
		{RejectPayment(""), StatusAwaitingPayment, StatusFailed},
		{Cancel(), StatusAwaitingPayment, StatusCancelled},
		{RecordAttempt(), StatusRunning, StatusRunning},
		{Complete(nil), StatusRunning, StatusCompleted},
		{FailDispatch("DISPATCH_REJECTED", "no"), StatusRunning, StatusFailed},
	}
	for _, tc := range cases {
		if tc.transition.From() != tc.from || tc.transition.To() != tc.to {
			t.Fatalf("%s: unexpected endpoints %s -> %s", tc.transition.Name(), tc.transition.From(), tc.transition.To())
		}
		if tc.transition.From().Terminal() {
			t.Fatalf("%s starts from a terminal state", tc.transition.Name())
		}
	}
}

func ids(jobs []*Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ID)
	}
	return out
}
