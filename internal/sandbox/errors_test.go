package sandbox

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func TestError_KindClassification(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		err  error
		kind ErrorKind
	}{
		{NewError(KindProvision, "s1", "create", base), KindProvision},
		{NewError(KindTimeout, "s1", "exec", base), KindTimeout},
		{NewError(KindBusy, "s1", "acquire", base), KindBusy},
		{fmt.Errorf("wrapped: %w", NewError(KindNotFound, "s1", "get", base)), KindNotFound},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.kind {
			t.Errorf("KindOf(%v) = %v, want %v", tt.err, got, tt.kind)
		}
	}

	if got := KindOf(base); got != "" {
		t.Errorf("KindOf(plain error) = %v, want empty", got)
	}
	if got := KindOf(nil); got != "" {
		t.Errorf("KindOf(nil) = %v, want empty", got)
	}
}

func TestError_Unwrap(t *testing.T) {
	base := errors.New("root cause")
	err := NewError(KindPath, "s1", "copy_in", base)
	if !errors.Is(err, base) {
		t.Fatal("wrapped cause not reachable through errors.Is")
	}
}

func TestParseState(t *testing.T) {
	for _, s := range []State{StateCreated, StateStarting, StateRunning,
		StateStopping, StateStopped, StateDestroyed, StateError} {
		got, err := ParseState(string(s))
		if err != nil || got != s {
			t.Errorf("ParseState(%q) = (%v, %v)", s, got, err)
		}
	}
	for _, bad := range []string{"", "RUNNING", "paused"} {
		if _, err := ParseState(bad); KindOf(err) != KindValidation {
			t.Errorf("ParseState(%q): kind = %v, want %v", bad, KindOf(err), KindValidation)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"defaults", Config{}, true},
		{"negative memory", Config{MemoryMB: -1}, false},
		{"negative cpu", Config{CPUCores: -0.5}, false},
		{"negative pids", Config{PIDsLimit: -1}, false},
		{"bad port", Config{Ports: []PortMapping{{HostPort: 0, GuestPort: 80}}}, false},
		{"valid port", Config{Ports: []PortMapping{{HostPort: 8080, GuestPort: 80}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok {
				if KindOf(err) != KindValidation {
					t.Fatalf("kind = %v, want %v", KindOf(err), KindValidation)
				}
			}
		})
	}
}

func TestResolveGuestPath(t *testing.T) {
	const work = "/home/sanduku"

	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"data.txt", "/home/sanduku/data.txt", true},
		{"sub/dir/f", "/home/sanduku/sub/dir/f", true},
		{"/home/sanduku/abs.txt", "/home/sanduku/abs.txt", true},
		{"/home/sanduku", "/home/sanduku", true},
		{"../escape", "", false},
		{"a/../../b", "", false},
		{"/etc/passwd", "", false},
		{"/home/sandukux/near-miss", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, err := resolveGuestPath(work, tt.in)
		if tt.ok {
			if err != nil {
				t.Errorf("resolveGuestPath(%q) error: %v", tt.in, err)
			} else if got != tt.want {
				t.Errorf("resolveGuestPath(%q) = %q, want %q", tt.in, got, tt.want)
			}
			continue
		}
		if err == nil {
			t.Errorf("resolveGuestPath(%q) = %q, want error", tt.in, got)
		}
	}
}

func TestLimitedWriter(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, remaining: 10}

	n, err := lw.Write([]byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("write = (%d, %v)", n, err)
	}
	n, err = lw.Write([]byte("world!!!"))
	if err != nil || n != 8 {
		t.Fatalf("write = (%d, %v), short writes break io.Copy", n, err)
	}
	if !lw.truncated {
		t.Error("expected truncation flag")
	}
	if got := buf.String(); got != "helloworld" {
		t.Errorf("buffer = %q, want %q", got, "helloworld")
	}

	// Writes after the limit are swallowed without error.
	if n, err := lw.Write([]byte("more")); err != nil || n != 4 {
		t.Fatalf("write past limit = (%d, %v)", n, err)
	}
	if buf.Len() != 10 {
		t.Errorf("buffer grew past limit: %d bytes", buf.Len())
	}
}
