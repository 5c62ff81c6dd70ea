package cli

import (
	"errors"
	"fmt"
	"testing"

	"github.com/taskdaemon/taskdaemon-sub002/internal/db"
	"github.com/taskdaemon/taskdaemon-sub002/internal/loopspec"
	"github.com/taskdaemon/taskdaemon-sub002/internal/models"
)

func TestMessageArgs(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		all        bool
		wantTarget string
		wantText   string
		wantErr    bool
	}{
		{name: "direct", args: []string{"api", "hello"}, wantTarget: "api", wantText: "hello"},
		{name: "broadcast flag", args: []string{"hello"}, all: true, wantTarget: "*", wantText: "hello"},
		{name: "broadcast alias", args: []string{"all", "hello"}, wantTarget: "*", wantText: "hello"},
		{name: "missing text", args: []string{"api"}, wantErr: true},
		{name: "all with target", args: []string{"api", "hello"}, all: true, wantErr: true},
		{name: "blank text", args: []string{"api", "  "}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, text, err := messageArgs(tt.args, tt.all)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if target != tt.wantTarget || text != tt.wantText {
				t.Fatalf("got (%q, %q), want (%q, %q)", target, text, tt.wantTarget, tt.wantText)
			}
		})
	}
}

func TestOperatorMessageKind(t *testing.T) {
	for _, raw := range []string{"alert", "Share", " query "} {
		if _, err := operatorMessageKind(raw); err != nil {
			t.Fatalf("operatorMessageKind(%q) failed: %v", raw, err)
		}
	}
	for _, raw := range []string{"stop", "main_updated", "shout"} {
		if _, err := operatorMessageKind(raw); err == nil {
			t.Fatalf("operatorMessageKind(%q) should fail", raw)
		}
	}
}

func TestPsStatuses(t *testing.T) {
	active, err := psStatuses(nil, false)
	if err != nil || len(active) != 4 {
		t.Fatalf("expected 4 active statuses, got %v (%v)", active, err)
	}

	all, err := psStatuses(nil, true)
	if err != nil || all != nil {
		t.Fatalf("expected no filter with --all, got %v (%v)", all, err)
	}

	filtered, err := psStatuses([]string{"Blocked"}, false)
	if err != nil || len(filtered) != 1 || filtered[0] != models.LoopStatusBlocked {
		t.Fatalf("unexpected filter %v (%v)", filtered, err)
	}

	if _, err := psStatuses([]string{"sleeping"}, false); err == nil {
		t.Fatalf("expected invalid status error")
	}
}

func TestClassifyError(t *testing.T) {
	code, _, hint, details, exit := classifyError(fmt.Errorf("loop 'api': %w", db.ErrExecutionNotFound))
	if code != "ERR_NOT_FOUND" || hint == "" || details["resource"] != "loop" || exit != 1 {
		t.Fatalf("unexpected classification %s %q %v %d", code, hint, details, exit)
	}

	list := &loopspec.ErrorList{}
	list.Add(loopspec.LoopError{Code: loopspec.ErrCodeMissingField, Message: "name is required", Path: "loops.yaml", Index: 1})
	code, _, _, details, _ = classifyError(list)
	if code != "ERR_LOOP_FILE" {
		t.Fatalf("expected ERR_LOOP_FILE, got %s", code)
	}
	problems, ok := details["problems"].([]string)
	if !ok || len(problems) != 1 || problems[0] != "loops.yaml: loop #1: name is required" {
		t.Fatalf("unexpected problems %v", details["problems"])
	}

	code, _, _, _, exit = classifyError(errors.New("failed to queue pause: disk full"))
	if code != "ERR_OPERATION_FAILED" || exit != 2 {
		t.Fatalf("unexpected classification %s %d", code, exit)
	}
}

func TestExitCodeFromExitError(t *testing.T) {
	err := &ExitError{Code: 3, Err: errors.New("boom")}
	if got := exitCodeFromError(err); got != 3 {
		t.Fatalf("expected exit code 3, got %d", got)
	}
}
