package conctest

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/classifier"
	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/executor"
	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/registry"
	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/state"
)

const (
	OutcomeStablePass = "stable-pass"
	OutcomeStableFail = "stable-fail"
	OutcomeFlaky      = "flaky"
)

// Trial records the seed and classification of one perturbed run. Seeds are
// persisted so any trial can be replayed exactly.
type Trial struct {
	Seed   int64
	Report classifier.Report
}

// Controller drives repeated executions of a concurrency-sensitive job under
// distinct scheduling seeds and aggregates the per-trial classifications.
type Controller struct {
	cls  *classifier.Classifier
	seed func() int64
}

func New(cls *classifier.Classifier) *Controller {
	src := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Controller{cls: cls, seed: func() int64 {
		// Seed zero means "no perturbation" to adapters; never hand it out.
		for {
			if s := src.Int63(); s != 0 {
				return s
			}
		}
	}}
}

// Run executes n trials sequentially on the reserved resource. A transient
// adapter failure aborts the whole run; partial trial sets would skew the
// reproducibility score.
func (c *Controller) Run(ctx context.Context, job state.JobRecord, res registry.Resource, adapter executor.Adapter, n int) (classifier.Report, []Trial, string, error) {
	if n < 1 {
		n = 1
	}
	trials := make([]Trial, 0, n)
	var combined strings.Builder
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return classifier.Report{}, nil, "", err
		}
		seed := c.seed()
		result, err := adapter.Execute(ctx, job, res, seed)
		if err != nil {
			return classifier.Report{}, nil, "", fmt.Errorf("trial %d/%d (seed %d): %w", i+1, n, seed, err)
		}
		if result.Transient {
			return classifier.Report{}, nil, "", fmt.Errorf("trial %d/%d (seed %d): transient executor failure", i+1, n, seed)
		}
		fmt.Fprintf(&combined, "=== trial %d seed=%d exit=%d ===\n", i+1, seed, result.ExitCode)
		combined.WriteString(result.Log)
		if !strings.HasSuffix(result.Log, "\n") {
			combined.WriteByte('\n')
		}
		report := c.cls.Classify(job.ID, classifier.Input{
			Log:       result.Log,
			ExitCode:  result.ExitCode,
			Elapsed:   result.Elapsed,
			SilentFor: result.SilentFor,
		})
		if result.ExitCode != 0 && report.Kind == classifier.KindNone && len(report.Evidence) == 0 {
			report.Evidence = append(report.Evidence, classifier.Evidence{Signature: classifier.UnclassifiedFailure})
		}
		trials = append(trials, Trial{Seed: seed, Report: report})
	}
	report := Aggregate(job.ID, trials)
	return report, trials, combined.String(), nil
}

// Aggregate folds per-trial reports into one job-level report. All trials
// agreeing on a signature gives stable-pass or stable-fail; any disagreement
// is flaky, scored as the majority signature's share of trials.
func Aggregate(jobID string, trials []Trial) classifier.Report {
	if len(trials) == 0 {
		return classifier.Report{JobID: jobID, Kind: classifier.KindNone, Severity: classifier.SeverityLow}
	}
	counts := make(map[string]int)
	best := make(map[string]classifier.Report)
	for _, tr := range trials {
		sig := tr.Report.Signature()
		counts[sig]++
		if _, ok := best[sig]; !ok {
			best[sig] = tr.Report
		}
	}
	majoritySig := ""
	majority := -1
	for sig, n := range counts {
		if n > majority || (n == majority && sig < majoritySig) {
			majoritySig = sig
			majority = n
		}
	}
	report := best[majoritySig]
	report.JobID = jobID
	report.Reproducibility = float64(majority) / float64(len(trials))
	if len(counts) > 1 {
		report.Outcome = OutcomeFlaky
		// A flaky report carries the worst observed fault, not whatever the
		// majority happened to be, so an intermittent race is never reported
		// as a pass.
		for _, tr := range trials {
			if worse(tr.Report, report) {
				rep := tr.Report
				rep.JobID = jobID
				rep.Reproducibility = report.Reproducibility
				rep.Outcome = OutcomeFlaky
				report = rep
			}
		}
		return report
	}
	if trialPassed(report) {
		report.Outcome = OutcomeStablePass
	} else {
		report.Outcome = OutcomeStableFail
	}
	report.Reproducibility = 1.0
	return report
}

func trialPassed(r classifier.Report) bool {
	return r.Kind == classifier.KindNone && len(r.Evidence) == 0
}

func worse(a, b classifier.Report) bool {
	if trialPassed(a) {
		return false
	}
	if trialPassed(b) {
		return true
	}
	return classifier.SeverityRank(a.Severity) > classifier.SeverityRank(b.Severity)
}
