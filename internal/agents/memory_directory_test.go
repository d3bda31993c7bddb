package agents

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	xerrors "agentpay/internal/errors"
)

func TestRegisterAndRecordCall(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory()
	owner := common.HexToAddress("0x01")

	if err := d.Register(ctx, Agent{ID: "translator", Owner: owner, Name: "Translator"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := d.Register(ctx, Agent{ID: "translator", Owner: owner}); !errors.Is(err, xerrors.New(xerrors.CodeConflict, "")) {
		t.Fatalf("duplicate register err = %v, want conflict", err)
	}
	if err := d.Register(ctx, Agent{Owner: owner}); !errors.Is(err, xerrors.New(xerrors.CodeInvalidArgument, "")) {
		t.Fatalf("empty id err = %v, want invalid argument", err)
	}

	active, err := d.IsActive(ctx, "translator")
	if err != nil || !active {
		t.Fatalf("IsActive = %v, %v, want active", active, err)
	}

	for i := 0; i < 3; i++ {
		if err := d.RecordCall(ctx, "translator"); err != nil {
			t.Fatalf("record call %d: %v", i, err)
		}
	}
	agent, err := d.Get(ctx, "translator")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if agent.TotalCalls != 3 {
		t.Fatalf("total calls = %d, want 3", agent.TotalCalls)
	}

	if err := d.RecordCall(ctx, "missing"); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("unknown agent err = %v, want not found", err)
	}
}

func TestDeactivateIsOwnerOnlyAndBlocksCalls(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory()
	owner := common.HexToAddress("0x01")
	stranger := common.HexToAddress("0x02")

	if err := d.Register(ctx, Agent{ID: "oracle", Owner: owner}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := d.Deactivate(ctx, stranger, "oracle"); !errors.Is(err, xerrors.New(xerrors.CodeUnauthorized, "")) {
		t.Fatalf("stranger deactivate err = %v, want unauthorized", err)
	}
	if err := d.Deactivate(ctx, owner, "oracle"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	active, err := d.IsActive(ctx, "oracle")
	if err != nil || active {
		t.Fatalf("IsActive = %v, %v, want inactive", active, err)
	}
	if err := d.RecordCall(ctx, "oracle"); !errors.Is(err, ErrAgentInactive) {
		t.Fatalf("inactive call err = %v, want inactive", err)
	}
}
