package classifier

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"
)

func newTestClassifier() *Classifier {
	return New(Config{StallWindow: 30 * time.Second, Timeout: 60 * time.Second})
}

func TestClassifyCrashWithStackTrace(t *testing.T) {
	log := "booting\nOops: 0002 [#1] SMP\nCall Trace:\n dump_stack+0x6d/0x8b\n panic+0x101/0x2e3\n"
	r := newTestClassifier().Classify("j1", Input{Log: log, ExitCode: 1})
	if r.Kind != KindCrash || r.Severity != SeverityCritical {
		t.Fatalf("expected crash/critical, got %s/%s", r.Kind, r.Severity)
	}
	if len(r.Evidence) != 1 {
		t.Fatalf("expected one evidence entry, got %d", len(r.Evidence))
	}
	if r.Evidence[0].Signature != "oops" {
		t.Fatalf("expected oops signature, got %s", r.Evidence[0].Signature)
	}
	if !strings.Contains(r.Evidence[0].Excerpt, "dump_stack") {
		t.Fatalf("expected stack trace in excerpt, got %q", r.Evidence[0].Excerpt)
	}
}

func TestCrashBeatsHangTimeout(t *testing.T) {
	// A crash signature followed by a long silence is a crash, never a hang.
	log := "Oops: general protection fault, probably for non-canonical address\n"
	r := newTestClassifier().Classify("j1", Input{
		Log:       log,
		ExitCode:  1,
		Elapsed:   5 * time.Minute,
		SilentFor: 90 * time.Second,
	})
	if r.Kind != KindCrash {
		t.Fatalf("expected crash, got %s", r.Kind)
	}
	if r.Severity != SeverityCritical {
		t.Fatalf("expected critical, got %s", r.Severity)
	}
}

func TestWatchdogHangRequiresStall(t *testing.T) {
	log := "watchdog: BUG: soft lockup - CPU#2 stuck for 22s!\n"
	c := newTestClassifier()

	r := c.Classify("j1", Input{Log: log, ExitCode: 1, SilentFor: 45 * time.Second})
	if r.Kind != KindHang || r.Severity != SeverityHigh {
		t.Fatalf("expected hang/high, got %s/%s", r.Kind, r.Severity)
	}

	// The same signature without an actual output stall does not count.
	r = c.Classify("j1", Input{Log: log, ExitCode: 0, SilentFor: time.Second})
	if r.Kind == KindHang {
		t.Fatalf("hang must require the stall window, got %s", r.Kind)
	}
}

func TestSilentHang(t *testing.T) {
	r := newTestClassifier().Classify("j1", Input{
		Log:       "starting test suite\n",
		ExitCode:  1,
		Elapsed:   2 * time.Minute,
		SilentFor: time.Minute,
	})
	if r.Kind != KindHang || r.Severity != SeverityMedium {
		t.Fatalf("expected silent hang (medium), got %s/%s", r.Kind, r.Severity)
	}
	if len(r.Evidence) != 1 || r.Evidence[0].Signature != "silent-hang" {
		t.Fatalf("expected silent-hang evidence, got %+v", r.Evidence)
	}
}

func TestMemorySafetySignatures(t *testing.T) {
	cases := map[string]string{
		"BUG: KASAN: use-after-free in kfree+0x10\n": "use-after-free",
		"BUG: KASAN: double-free or invalid-free\n":  "double-free",
		"BUG: KASAN: slab-out-of-bounds in memcpy\n": "out-of-bounds",
		"kmemleak: 12 new suspected memory leaks\n":  "memory-leak",
	}
	c := newTestClassifier()
	for log, wantSig := range cases {
		r := c.Classify("j1", Input{Log: log, ExitCode: 1})
		if r.Kind != KindMemoryLeak || r.Severity != SeverityHigh {
			t.Fatalf("%q: expected memory-leak/high, got %s/%s", log, r.Kind, r.Severity)
		}
		if r.Evidence[0].Signature != wantSig {
			t.Fatalf("%q: expected signature %s, got %s", log, wantSig, r.Evidence[0].Signature)
		}
	}
}

func TestRaceSignature(t *testing.T) {
	r := newTestClassifier().Classify("j1", Input{Log: "BUG: KCSAN: data-race in queue_work_on / process_one_work\n", ExitCode: 1})
	if r.Kind != KindRace || r.Severity != SeverityHigh {
		t.Fatalf("expected race-condition/high, got %s/%s", r.Kind, r.Severity)
	}
}

func TestCorruptionSeverityByKind(t *testing.T) {
	c := newTestClassifier()
	r := c.Classify("j1", Input{Log: "read verify: checksum mismatch at block 8821\n", ExitCode: 1})
	if r.Kind != KindCorruption || r.Severity != SeverityHigh {
		t.Fatalf("payload corruption should be high, got %s/%s", r.Kind, r.Severity)
	}
	r = c.Classify("j1", Input{Log: "EXT4-fs error (device sda1): ext4_lookup: deleted inode referenced\n", ExitCode: 1})
	if r.Kind != KindCorruption || r.Severity != SeverityMedium {
		t.Fatalf("metadata corruption should be medium, got %s/%s", r.Kind, r.Severity)
	}
}

func TestMultipleSignaturesKeepAllEvidence(t *testing.T) {
	log := "EXT4-fs error (device sda1): bad inode\nKernel panic - not syncing: Fatal exception\n"
	r := newTestClassifier().Classify("j1", Input{Log: log, ExitCode: 1})
	if r.Kind != KindCrash || r.Severity != SeverityCritical {
		t.Fatalf("highest severity match must win, got %s/%s", r.Kind, r.Severity)
	}
	if len(r.Evidence) != 2 {
		t.Fatalf("expected evidence for both signatures, got %+v", r.Evidence)
	}
	if r.Evidence[0].Offset > r.Evidence[1].Offset {
		t.Fatalf("evidence must be ordered by offset")
	}
}

func TestCleanPass(t *testing.T) {
	r := newTestClassifier().Classify("j1", Input{Log: "all 124 tests passed\n", ExitCode: 0})
	if r.Kind != KindNone || len(r.Evidence) != 0 {
		t.Fatalf("expected clean pass, got %+v", r)
	}
}

func TestUnclassifiedFailureMarker(t *testing.T) {
	r := newTestClassifier().Classify("j1", Input{Log: "test_foo: assertion failed\n", ExitCode: 2})
	if r.Kind != KindNone || r.Severity != SeverityLow {
		t.Fatalf("expected none/low, got %s/%s", r.Kind, r.Severity)
	}
	if len(r.Evidence) != 1 || r.Evidence[0].Signature != UnclassifiedFailure {
		t.Fatalf("expected unclassified failure marker, got %+v", r.Evidence)
	}
}

func TestReportJSONRoundTrip(t *testing.T) {
	in := newTestClassifier().Classify("j1", Input{
		Log:      "Oops: 0002\nchecksum mismatch in extent 4\n",
		ExitCode: 1,
	})
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Report
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Kind != in.Kind || out.Severity != in.Severity {
		t.Fatalf("round trip changed kind/severity: %+v vs %+v", out, in)
	}
	if !reflect.DeepEqual(out.Evidence, in.Evidence) {
		t.Fatalf("round trip changed evidence: %+v vs %+v", out.Evidence, in.Evidence)
	}
}
