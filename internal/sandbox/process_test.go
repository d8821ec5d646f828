package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestProcessAdapter(t *testing.T) (*ProcessAdapter, *Handle) {
	t.Helper()
	a := NewProcessAdapter(t.TempDir(), testLogger())
	h, err := a.Create(context.Background(), Config{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() { a.Destroy(context.Background(), h) })
	if err := a.Start(context.Background(), h); err != nil {
		t.Fatalf("start: %v", err)
	}
	return a, h
}

func TestProcessAdapter_BasicExecution(t *testing.T) {
	a, h := newTestProcessAdapter(t)

	result, err := a.Exec(context.Background(), h, ExecRequest{
		Command: []string{"echo", "hello"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", result.ExitCode)
	}
	if got := strings.TrimSpace(result.Stdout); got != "hello" {
		t.Errorf("stdout = %q, want %q", got, "hello")
	}
}

func TestProcessAdapter_NonZeroExit(t *testing.T) {
	a, h := newTestProcessAdapter(t)

	result, err := a.Exec(context.Background(), h, ExecRequest{
		Command: []string{"sh", "-c", "exit 42"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 42 {
		t.Errorf("exit code = %d, want 42", result.ExitCode)
	}
}

func TestProcessAdapter_Timeout(t *testing.T) {
	a, h := newTestProcessAdapter(t)

	start := time.Now()
	_, err := a.Exec(context.Background(), h, ExecRequest{
		Command: []string{"sleep", "30"},
		Timeout: 500 * time.Millisecond,
	})
	elapsed := time.Since(start)

	if !IsTimeout(err) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if elapsed > 5*time.Second {
		t.Errorf("timeout took %s, deadline not enforced", elapsed)
	}
}

func TestProcessAdapter_TimeoutKillsProcessGroup(t *testing.T) {
	a, h := newTestProcessAdapter(t)

	// The child shell spawns a grandchild; the group kill must reach it.
	marker := filepath.Join(h.WorkDir, "survived")
	_, err := a.Exec(context.Background(), h, ExecRequest{
		Command: []string{"sh", "-c", "(sleep 3 && touch " + marker + ") & sleep 30"},
		Timeout: 500 * time.Millisecond,
	})
	if !IsTimeout(err) {
		t.Fatalf("err = %v, want timeout", err)
	}

	time.Sleep(3500 * time.Millisecond)
	if _, err := os.Stat(marker); err == nil {
		t.Fatal("grandchild survived the group kill")
	}
}

func TestProcessAdapter_PartialOutputOnTimeout(t *testing.T) {
	a, h := newTestProcessAdapter(t)

	result, err := a.Exec(context.Background(), h, ExecRequest{
		Command: []string{"sh", "-c", "echo partial; sleep 30"},
		Timeout: 500 * time.Millisecond,
	})
	if !IsTimeout(err) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if result == nil || strings.TrimSpace(result.Stdout) != "partial" {
		t.Fatalf("partial output lost: %+v", result)
	}
}

func TestProcessAdapter_OutputTruncated(t *testing.T) {
	a, h := newTestProcessAdapter(t)

	result, err := a.Exec(context.Background(), h, ExecRequest{
		Command: []string{"sh", "-c", "yes x | head -c 3000000"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Truncated {
		t.Error("expected truncation flag")
	}
	if len(result.Stdout) > MaxOutputBytes {
		t.Errorf("stdout = %d bytes, want <= %d", len(result.Stdout), MaxOutputBytes)
	}
}

func TestProcessAdapter_SanitizedEnv(t *testing.T) {
	t.Setenv("SANDUKU_TEST_SECRET", "leaked")
	a, h := newTestProcessAdapter(t)

	result, err := a.Exec(context.Background(), h, ExecRequest{
		Command: []string{"sh", "-c", "echo ${SANDUKU_TEST_SECRET:-clean}"},
		Env:     map[string]string{"EXTRA": "yes"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(result.Stdout); got != "clean" {
		t.Errorf("host env leaked into sandbox: %q", got)
	}
}

func TestProcessAdapter_CopyRoundTrip(t *testing.T) {
	a, h := newTestProcessAdapter(t)
	ctx := context.Background()

	if err := a.CopyIn(ctx, h, "sub/dir/data.bin", []byte{0x00, 0xff, 0x10}); err != nil {
		t.Fatalf("copy in: %v", err)
	}
	got, err := a.CopyOut(ctx, h, "sub/dir/data.bin")
	if err != nil {
		t.Fatalf("copy out: %v", err)
	}
	if len(got) != 3 || got[1] != 0xff {
		t.Fatalf("copy out = %v", got)
	}
}

func TestProcessAdapter_CopyOutLargeFileComplete(t *testing.T) {
	a, h := newTestProcessAdapter(t)
	ctx := context.Background()

	// Larger than the output cap; reads must not be silently cut there.
	payload := make([]byte, 2*MaxOutputBytes)
	payload[len(payload)-1] = 0x7f
	if err := a.CopyIn(ctx, h, "big.bin", payload); err != nil {
		t.Fatalf("copy in: %v", err)
	}

	got, err := a.CopyOut(ctx, h, "big.bin")
	if err != nil {
		t.Fatalf("copy out: %v", err)
	}
	if len(got) != len(payload) {
		t.Fatalf("read %d of %d bytes", len(got), len(payload))
	}
	if got[len(got)-1] != 0x7f {
		t.Fatal("tail byte lost")
	}
}

func TestProcessAdapter_CopyOutOverLimitRejected(t *testing.T) {
	a, h := newTestProcessAdapter(t)
	ctx := context.Background()

	// Create a sparse file past the read limit without writing it all.
	path := filepath.Join(h.WorkDir, "huge.bin")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.Truncate(MaxFileBytes + 1); err != nil {
		f.Close()
		t.Skipf("truncate: %v", err)
	}
	f.Close()

	if _, err := a.CopyOut(ctx, h, "huge.bin"); KindOf(err) != KindValidation {
		t.Fatalf("kind = %v, want %v", KindOf(err), KindValidation)
	}
}

func TestProcessAdapter_PathEscapeRejected(t *testing.T) {
	a, h := newTestProcessAdapter(t)
	ctx := context.Background()

	for _, p := range []string{"../outside", "/etc/passwd", "a/../../b"} {
		if err := a.CopyIn(ctx, h, p, []byte("x")); KindOf(err) != KindPath {
			t.Errorf("copy in %q: kind = %v, want %v", p, KindOf(err), KindPath)
		}
		if _, err := a.CopyOut(ctx, h, p); KindOf(err) != KindPath {
			t.Errorf("copy out %q: kind = %v, want %v", p, KindOf(err), KindPath)
		}
	}
}

func TestProcessAdapter_SymlinkEscapeRejected(t *testing.T) {
	a, h := newTestProcessAdapter(t)

	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(h.WorkDir, "link")); err != nil {
		t.Skipf("symlink: %v", err)
	}
	if err := a.CopyIn(context.Background(), h, "link/escape.txt", []byte("x")); KindOf(err) != KindPath {
		t.Fatalf("kind = %v, want %v", KindOf(err), KindPath)
	}
}

func TestProcessAdapter_DestroyIdempotent(t *testing.T) {
	a, h := newTestProcessAdapter(t)
	ctx := context.Background()

	if err := a.Destroy(ctx, h); err != nil {
		t.Fatalf("first destroy: %v", err)
	}
	if err := a.Destroy(ctx, h); err != nil {
		t.Fatalf("second destroy: %v", err)
	}

	status, err := a.Inspect(ctx, h)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if status != "absent" {
		t.Errorf("status = %q, want %q", status, "absent")
	}
}
