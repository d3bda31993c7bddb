package mysql

import (
	"context"
	"fmt"
	"testing"
)

func TestFileSettlementRepositorySurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	repo, err := NewFileSettlementRepository(dir)
	if err != nil {
		t.Fatalf("create repository: %v", err)
	}
	for i := 0; i < 3; i++ {
		record := SettlementRecord{
			PaymentID:      fmt.Sprintf("pay-%d", i),
			Mode:           "streaming",
			Payer:          "0x01",
			TotalAmount:    "1000",
			ReleasedAmount: "1000",
			Status:         "completed",
			CreatedAt:      int64(100 + i),
			FinalizedAt:    int64(200 + i),
		}
		if err := repo.Save(ctx, record); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	latest, err := repo.ListLatest(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(latest) != 2 || latest[0].PaymentID != "pay-2" || latest[1].PaymentID != "pay-1" {
		t.Fatalf("latest = %+v, want newest first", latest)
	}

	// A fresh instance over the same directory restores the log.
	reopened, err := NewFileSettlementRepository(dir)
	if err != nil {
		t.Fatalf("reopen repository: %v", err)
	}
	restored, err := reopened.ListLatest(ctx, 0)
	if err != nil {
		t.Fatalf("list restored: %v", err)
	}
	if len(restored) != 3 || restored[0].PaymentID != "pay-2" {
		t.Fatalf("restored = %+v, want 3 records newest first", restored)
	}
}

func TestFileExecutionRepositorySurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	repo, err := NewFileExecutionRepository(dir)
	if err != nil {
		t.Fatalf("create repository: %v", err)
	}
	for i := 0; i < 2; i++ {
		record := ExecutionRecord{
			ExecutionID:  fmt.Sprintf("exec-%d", i),
			WorkflowID:   "wf-1",
			Executor:     "0x02",
			FinalStep:    i,
			ResourceUsed: uint64(i + 1),
			Success:      i == 1,
			StartedAt:    int64(100 + i),
			CompletedAt:  int64(101 + i),
		}
		if err := repo.Save(ctx, record); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	reopened, err := NewFileExecutionRepository(dir)
	if err != nil {
		t.Fatalf("reopen repository: %v", err)
	}
	restored, err := reopened.ListLatest(ctx, 0)
	if err != nil {
		t.Fatalf("list restored: %v", err)
	}
	if len(restored) != 2 || restored[0].ExecutionID != "exec-1" || !restored[0].Success {
		t.Fatalf("restored = %+v, want newest first with outcome intact", restored)
	}
}
