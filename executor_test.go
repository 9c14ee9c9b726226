package chatwire_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chatwire/go-chatwire"
)

func TestSerialJobExecutorOrder(t *testing.T) {
	var e chatwire.SerialJobExecutor

	// Jobs run one at a time, so the slice needs no locking.
	var order []string

	slow := e.Enqueue(context.Background(), func(context.Context) error {
		time.Sleep(50 * time.Millisecond)
		order = append(order, "J1")
		return nil
	})
	fast := e.Enqueue(context.Background(), func(context.Context) error {
		order = append(order, "J2")
		return nil
	})

	if err := waitErr(t, slow); err != nil {
		t.Fatalf("unexpected job error: %v", err)
	}
	if err := waitErr(t, fast); err != nil {
		t.Fatalf("unexpected job error: %v", err)
	}

	if len(order) != 2 || order[0] != "J1" || order[1] != "J2" {
		t.Errorf("jobs ran out of submission order: %v", order)
	}
}

func TestSerialJobExecutorRunReturnsJobError(t *testing.T) {
	var e chatwire.SerialJobExecutor

	wantErr := errors.New("job failed")
	err := e.Run(context.Background(), func(context.Context) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("got %v, want %v", err, wantErr)
	}
}

func TestSerialJobExecutorReentrantEnqueue(t *testing.T) {
	var e chatwire.SerialJobExecutor

	var order []string
	var followUp <-chan error

	err := e.Run(context.Background(), func(ctx context.Context) error {
		order = append(order, "outer")
		followUp = e.Enqueue(ctx, func(context.Context) error {
			order = append(order, "inner")
			return nil
		})
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := waitErr(t, followUp); err != nil {
		t.Fatalf("unexpected job error: %v", err)
	}

	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Errorf("follow-up job did not run after its submitter: %v", order)
	}
}

// waitErr receives one result with a timeout.
func waitErr(t *testing.T, errs <-chan error) error {
	t.Helper()
	select {
	case err := <-errs:
		return err
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result")
		return nil
	}
}
