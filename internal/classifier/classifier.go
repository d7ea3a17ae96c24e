package classifier

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	KindNone       = "none"
	KindCrash      = "crash"
	KindHang       = "hang"
	KindMemoryLeak = "memory-leak"
	KindCorruption = "data-corruption"
	KindRace       = "race-condition"
)

const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// UnclassifiedFailure marks a failing exit with no matching signature.
const UnclassifiedFailure = "unclassified failure"

func SeverityRank(severity string) int {
	switch severity {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

type Evidence struct {
	Signature string `json:"signature"`
	Excerpt   string `json:"excerpt"`
	Offset    int    `json:"offset"`
}

type Report struct {
	JobID           string     `json:"job_id"`
	Kind            string     `json:"kind"`
	Severity        string     `json:"severity"`
	Evidence        []Evidence `json:"evidence"`
	Reproducibility float64    `json:"reproducibility,omitempty"`
	Outcome         string     `json:"outcome,omitempty"`
}

// Signature returns a stable identity for the report used when diffing trial
// outcomes: same kind plus the same set of matched signature names.
func (r Report) Signature() string {
	names := make([]string, 0, len(r.Evidence))
	for _, e := range r.Evidence {
		names = append(names, e.Signature)
	}
	sort.Strings(names)
	return r.Kind + "|" + strings.Join(names, ",")
}

// Input carries the raw execution artifacts the classifier consumes.
type Input struct {
	Log       string
	ExitCode  int
	Elapsed   time.Duration
	SilentFor time.Duration // time since the last byte of log output
}

type Config struct {
	StallWindow time.Duration
	Timeout     time.Duration
}

type Classifier struct {
	cfg Config
}

func New(cfg Config) *Classifier {
	if cfg.StallWindow <= 0 {
		cfg.StallWindow = 60 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &Classifier{cfg: cfg}
}

type signature struct {
	name     string
	re       *regexp.Regexp
	kind     string
	severity string
}

// Signature sets, most specific first. Within one run every match becomes an
// evidence entry; the report's kind is the highest-severity match, ties broken
// by this ordering.
var signatures = []signature{
	{"kernel-panic", regexp.MustCompile(`Kernel panic(?: - not syncing)?[:]?[^\n]*`), KindCrash, SeverityCritical},
	{"oops", regexp.MustCompile(`Oops:[^\n]*`), KindCrash, SeverityCritical},
	{"general-protection-fault", regexp.MustCompile(`general protection fault[^\n]*`), KindCrash, SeverityCritical},
	{"null-pointer-dereference", regexp.MustCompile(`(?:BUG: kernel |Unable to handle kernel )?NULL pointer dereference[^\n]*`), KindCrash, SeverityCritical},

	{"soft-lockup", regexp.MustCompile(`watchdog: BUG: soft lockup[^\n]*`), KindHang, SeverityHigh},
	{"hung-task", regexp.MustCompile(`(?:INFO: task [^\n]+ )?blocked for more than \d+ seconds[^\n]*`), KindHang, SeverityHigh},
	{"rcu-stall", regexp.MustCompile(`rcu[_a-z]* (?:detected stalls?|self-detected stall)[^\n]*`), KindHang, SeverityHigh},

	{"use-after-free", regexp.MustCompile(`(?:KASAN: )?use-after-free[^\n]*`), KindMemoryLeak, SeverityHigh},
	{"double-free", regexp.MustCompile(`(?:KASAN: )?double-free[^\n]*`), KindMemoryLeak, SeverityHigh},
	{"out-of-bounds", regexp.MustCompile(`(?:KASAN: )?(?:slab-|global-|stack-)?out-of-bounds[^\n]*`), KindMemoryLeak, SeverityHigh},
	{"memory-leak", regexp.MustCompile(`kmemleak:[^\n]*|memory leak detected[^\n]*`), KindMemoryLeak, SeverityHigh},

	{"data-race", regexp.MustCompile(`(?:BUG: KCSAN: )?data-race[^\n]*|race condition detected[^\n]*`), KindRace, SeverityHigh},

	{"checksum-mismatch", regexp.MustCompile(`checksum (?:mismatch|error)[^\n]*`), KindCorruption, SeverityHigh},
	{"fs-corruption", regexp.MustCompile(`(?:EXT4-fs error|XFS \(\w+\): [^\n]*corrupt|filesystem corruption|metadata corruption)[^\n]*`), KindCorruption, SeverityMedium},
	{"ecc-error", regexp.MustCompile(`(?:EDAC |ECC )[^\n]*error[^\n]*`), KindCorruption, SeverityMedium},
}

var callTraceRe = regexp.MustCompile(`Call Trace:`)

// Classify inspects the raw artifacts and produces a fault report. The
// classification ordering is a deterministic contract: crash beats hang beats
// memory-safety beats race beats corruption, and within one severity tier the
// earlier signature set wins.
func (c *Classifier) Classify(jobID string, in Input) Report {
	report := Report{JobID: jobID, Kind: KindNone, Severity: SeverityLow, Evidence: []Evidence{}}
	bestOrder := len(signatures)

	for order, sig := range signatures {
		loc := sig.re.FindStringIndex(in.Log)
		if loc == nil {
			continue
		}
		ev := Evidence{
			Signature: sig.name,
			Excerpt:   excerptFor(in.Log, sig, loc),
			Offset:    loc[0],
		}
		report.Evidence = append(report.Evidence, ev)
		if betterMatch(sig.severity, order, report.Severity, bestOrder, report.Kind) {
			report.Kind = sig.kind
			report.Severity = sig.severity
			bestOrder = order
		}
	}

	// Hang detection needs timing, not just text: the run must have gone
	// silent for at least the stall window.
	if report.Kind == KindHang && in.SilentFor < c.cfg.StallWindow {
		report = demoteHang(report)
	}
	if report.Kind == KindNone && in.SilentFor >= c.cfg.StallWindow && in.Elapsed >= c.cfg.Timeout {
		report.Kind = KindHang
		report.Severity = SeverityMedium
		report.Evidence = append(report.Evidence, Evidence{
			Signature: "silent-hang",
			Excerpt:   "no output within timeout",
			Offset:    len(in.Log),
		})
	}

	if report.Kind == KindNone && in.ExitCode != 0 {
		// Never silently dropped: a failing exit with no signature is still
		// reported, just unclassified.
		report.Evidence = append(report.Evidence, Evidence{
			Signature: UnclassifiedFailure,
			Excerpt:   lastLine(in.Log),
			Offset:    len(in.Log),
		})
	}

	sort.Slice(report.Evidence, func(i, j int) bool { return report.Evidence[i].Offset < report.Evidence[j].Offset })
	return report
}

func betterMatch(severity string, order int, curSeverity string, curOrder int, curKind string) bool {
	if curKind == KindNone {
		return true
	}
	if SeverityRank(severity) != SeverityRank(curSeverity) {
		return SeverityRank(severity) > SeverityRank(curSeverity)
	}
	return order < curOrder
}

// demoteHang drops hang evidence that is not backed by an actual output
// stall; remaining matches decide the report again.
func demoteHang(r Report) Report {
	kept := make([]Evidence, 0, len(r.Evidence))
	out := Report{JobID: r.JobID, Kind: KindNone, Severity: SeverityLow}
	bestOrder := len(signatures)
	for _, ev := range r.Evidence {
		sig, ok := signatureByName(ev.Signature)
		if ok && sig.kind == KindHang {
			continue
		}
		kept = append(kept, ev)
		if ok {
			order := signatureOrder(ev.Signature)
			if betterMatch(sig.severity, order, out.Severity, bestOrder, out.Kind) {
				out.Kind = sig.kind
				out.Severity = sig.severity
				bestOrder = order
			}
		}
	}
	out.Evidence = kept
	return out
}

func signatureByName(name string) (signature, bool) {
	for _, s := range signatures {
		if s.name == name {
			return s, true
		}
	}
	return signature{}, false
}

func signatureOrder(name string) int {
	for i, s := range signatures {
		if s.name == name {
			return i
		}
	}
	return len(signatures)
}

// excerptFor returns the matched line, extended with the nearest stack-trace
// block for crash signatures.
func excerptFor(log string, sig signature, loc []int) string {
	matched := log[loc[0]:loc[1]]
	if sig.kind != KindCrash {
		return matched
	}
	traceLoc := callTraceRe.FindStringIndex(log[loc[1]:])
	if traceLoc == nil {
		return matched
	}
	block := log[loc[1]+traceLoc[0]:]
	lines := strings.SplitN(block, "\n", 14)
	if len(lines) == 14 {
		lines = lines[:13]
	}
	return matched + "\n" + strings.Join(lines, "\n")
}

func lastLine(log string) string {
	trimmed := strings.TrimRight(log, "\n ")
	if trimmed == "" {
		return ""
	}
	if i := strings.LastIndex(trimmed, "\n"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}
