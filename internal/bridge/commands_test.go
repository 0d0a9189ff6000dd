package bridge

import (
	"context"
	"strings"
	"testing"
)

func TestDispatchIgnoresPlainText(t *testing.T) {
	r := NewRouter()
	if reply, handled := r.Dispatch(context.Background(), "hello there", CommandRequest{}); handled {
		t.Errorf("plain text treated as command, reply %q", reply)
	}
	if _, handled := r.Dispatch(context.Background(), "!", CommandRequest{}); handled {
		t.Error("bare bang treated as command")
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	r := NewRouter()
	reply, handled := r.Dispatch(context.Background(), "!nope", CommandRequest{})
	if !handled {
		t.Fatal("unknown command not handled")
	}
	if !strings.Contains(reply, "알 수 없는 명령어") || !strings.Contains(reply, "!nope") {
		t.Errorf("reply = %q", reply)
	}
}

func TestDispatchParsesArgs(t *testing.T) {
	r := NewRouter()
	var got []string
	r.Register("echo", false, "echo args", func(_ context.Context, req CommandRequest) string {
		got = append([]string(nil), req.Args...)
		return "ok"
	})

	if _, handled := r.Dispatch(context.Background(), "  !Echo one two  ", CommandRequest{}); !handled {
		t.Fatal("command not handled")
	}
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Errorf("args = %v, want [one two]", got)
	}
}

func TestDispatchAdminOnly(t *testing.T) {
	r := NewRouter()
	r.Register("wipe", true, "dangerous", func(context.Context, CommandRequest) string {
		return "wiped"
	})

	reply, handled := r.Dispatch(context.Background(), "!wipe", CommandRequest{IsAdmin: false})
	if !handled || reply != "관리자 전용 명령어입니다." {
		t.Errorf("non-admin reply = %q handled=%v", reply, handled)
	}

	reply, _ = r.Dispatch(context.Background(), "!wipe", CommandRequest{IsAdmin: true})
	if reply != "wiped" {
		t.Errorf("admin reply = %q, want wiped", reply)
	}
}

func TestHelpHidesAdminCommands(t *testing.T) {
	r := NewRouter()
	r.Register("status", false, "status line", func(context.Context, CommandRequest) string { return "" })
	r.Register("wipe", true, "dangerous", func(context.Context, CommandRequest) string { return "" })

	reply, _ := r.Dispatch(context.Background(), "!help", CommandRequest{IsAdmin: false})
	if !strings.Contains(reply, "!status") {
		t.Errorf("help missing status: %q", reply)
	}
	if strings.Contains(reply, "!wipe") {
		t.Errorf("help leaks admin command to viewer: %q", reply)
	}

	reply, _ = r.Dispatch(context.Background(), "!help", CommandRequest{IsAdmin: true})
	if !strings.Contains(reply, "!wipe") {
		t.Errorf("help missing admin command for admin: %q", reply)
	}
}
