// Package orchestrator drives discovery of compose files under a root,
// runs the per-stack pipeline (§4.2-4.6) once per file, and emits a single
// summary notification for the whole run, per spec.md §4.7.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"compose-guardian/internal/diffbackup"
	"compose-guardian/internal/engine"
	"compose-guardian/internal/logx"
	"compose-guardian/internal/notification"
	"compose-guardian/internal/planner"
	"compose-guardian/internal/report"
	"compose-guardian/internal/rollback"
	"compose-guardian/internal/verifier"
)

// composeFilenames are tried, in order, per directory; first match wins.
var composeFilenames = []string{
	"docker-compose.yml",
	"docker-compose.yaml",
	"compose.yml",
	"compose.yaml",
}

// Orchestrator wires every core component together for one run.
type Orchestrator struct {
	Engine        *engine.Engine
	VerifierCfg   verifier.Config
	ReportWriter  *report.Writer
	Notifiers     []notification.Notifier
	Log           logx.Logger
}

// New builds an Orchestrator from its dependencies.
func New(eng *engine.Engine, verifierCfg verifier.Config, writer *report.Writer, notifiers []notification.Notifier, log logx.Logger) *Orchestrator {
	return &Orchestrator{Engine: eng, VerifierCfg: verifierCfg, ReportWriter: writer, Notifiers: notifiers, Log: log}
}

// DiscoverComposeFiles implements spec.md §4.7's discovery rule: the root
// itself first (first recognised filename wins), then immediate
// subdirectories in lexicographic order (first recognised filename per
// directory wins).
func DiscoverComposeFiles(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, nil
	}

	var out []string
	if f := firstMatch(root); f != "" {
		out = append(out, f)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, nil
	}
	names := make([]string, 0, len(entries))
	dirs := map[string]bool{}
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
			dirs[e.Name()] = true
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if f := firstMatch(filepath.Join(root, name)); f != "" {
			out = append(out, f)
		}
	}
	return out, nil
}

func firstMatch(dir string) string {
	for _, name := range composeFilenames {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// RunOpts parameterizes one orchestrator run.
type RunOpts struct {
	ComposeRoot  string
	IgnoreRaw    string
	RunTimestamp string // YYYYMMDDThhmmss; not read by Run, which calls now() once per stack
}

// Run discovers compose files under opts.ComposeRoot, runs the per-stack
// pipeline sequentially for each, and sends one summary notification.
func (o *Orchestrator) Run(ctx context.Context, opts RunOpts, now func() string) []*report.Report {
	files, _ := DiscoverComposeFiles(opts.ComposeRoot)

	var reports []*report.Report
	if len(files) == 0 {
		ts := now()
		r := report.New(ts, opts.ComposeRoot, sortedIgnore(opts.IgnoreRaw))
		r.Status = report.StatusSkipped
		r.Message = fmt.Sprintf("no compose files found under COMPOSE_ROOT=%s", opts.ComposeRoot)
		o.write(r)
		reports = append(reports, r)
	} else {
		for _, file := range files {
			reports = append(reports, o.runStack(ctx, file, opts.IgnoreRaw, now()))
		}
	}

	title, body := Summarize(reports)
	notification.SendAll(ctx, o.Notifiers, title, body, o.Log)

	return reports
}

func sortedIgnore(raw string) []string {
	set := planner.ParseIgnoreSet(raw)
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (o *Orchestrator) write(r *report.Report) {
	if o.ReportWriter == nil {
		return
	}
	if _, err := o.ReportWriter.Write(r); err != nil && o.Log != nil {
		o.Log.Error("failed to write report for %s: %v", r.ComposeFile, err)
	}
}

// runStack executes spec.md §4.2-4.6 for a single compose file, recovering
// any unexpected error into a FAILED report (§7's catch-all).
func (o *Orchestrator) runStack(ctx context.Context, composeFile, ignoreRaw, runTs string) (result *report.Report) {
	ignore := planner.ParseIgnoreSet(ignoreRaw)
	r := report.New(runTs, composeFile, sortedIgnore(ignoreRaw))

	defer func() {
		if rec := recover(); rec != nil {
			r.Status = report.StatusFailed
			r.Message = fmt.Sprintf("exception: panic: %v", rec)
			o.write(r)
			result = r
		}
	}()

	plan, err := planner.Plan(ctx, o.Engine, composeFile, ignore, o.Log)
	if err != nil {
		r.Status = report.StatusFailed
		r.Message = fmt.Sprintf("exception: planning error: %v", err)
		o.write(r)
		return r
	}

	for _, svc := range plan.Order {
		r.Services[svc] = report.ServiceInfo{Image: plan.Images[svc]}
	}

	if plan.SkipReason != "" {
		r.Status = report.StatusSkipped
		r.Message = plan.SkipReason
		o.write(r)
		return r
	}

	diff := diffbackup.Run(ctx, o.Engine, plan, runTs, o.Log)
	r.BeforeImageIDs = diff.BeforeIDs
	r.AfterImageIDs = diff.AfterIDs
	r.ChangedServices = diff.Changed
	r.BackupTags = diff.BackupTags

	if len(diff.Changed) == 0 {
		r.Status = report.StatusSkipped
		r.Message = diffbackup.SkippedMessage(diff.SkippedNoID)
		o.write(r)
		return r
	}

	if o.Log != nil {
		o.Log.Info("%s: updating services %v", composeFile, diff.Changed)
	}
	o.Engine.ComposeUp(ctx, composeFile, diff.Changed)

	v := verifier.New(o.Engine, o.VerifierCfg, o.Log)
	ok, why := v.Verify(ctx, composeFile, diff.Changed)
	r.VerifyOk = report.BoolPtr(ok)
	r.VerifyMessage = why

	if !ok {
		if o.Log != nil {
			o.Log.Warn("%s: verification failed, rolling back: %s", composeFile, why)
		}
		r.Status = report.StatusRollingBack

		rbResult := rollback.Run(ctx, o.Engine, v, composeFile, plan.Images, diff.Changed, diff.BackupTags, o.Log)
		r.RollbackVerifyOk = report.BoolPtr(rbResult.VerifyOk)
		r.RollbackVerifyMessage = rbResult.VerifyMessage

		if rbResult.VerifyOk {
			r.Status = report.StatusRollback
		} else {
			r.Status = report.StatusFailed
		}
		o.write(r)
		return r
	}

	// Success: best-effort cleanup, never changes status.
	for _, svc := range diff.Changed {
		if tag, ok := diff.BackupTags[svc]; ok {
			o.Engine.RemoveImage(ctx, tag)
		}
		if beforeID := diff.BeforeIDs[svc]; beforeID != "" {
			if refs := o.Engine.PsByAncestor(ctx, beforeID); len(refs) == 0 {
				o.Engine.RemoveImage(ctx, beforeID)
			}
		}
	}

	r.Status = report.StatusSuccess
	o.write(r)
	return r
}

// Summarize builds the run-level notification per spec.md §6 and §9:
// overall = FAILED > ROLLBACK > SUCCESS > SKIPPED.
func Summarize(reports []*report.Report) (title, body string) {
	var ok, rb, failed, skipped int
	for _, r := range reports {
		switch r.Status {
		case report.StatusSuccess:
			ok++
		case report.StatusRollback:
			rb++
		case report.StatusFailed:
			failed++
		case report.StatusSkipped:
			skipped++
		}
	}

	overall := "SKIPPED"
	switch {
	case failed > 0:
		overall = "FAILED"
	case rb > 0:
		overall = "ROLLBACK"
	case ok > 0:
		overall = "SUCCESS"
	}

	ts := ""
	if len(reports) > 0 {
		ts = reports[0].Timestamp
	}
	title = fmt.Sprintf("Compose Guardian Run %s (%s) total=%d ok=%d rollback=%d failed=%d skipped=%d",
		overall, ts, len(reports), ok, rb, failed, skipped)

	var lines []string
	lines = append(lines, fmt.Sprintf("### Run Summary: %s", overall))
	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("- totals: ok=%d, rollback=%d, failed=%d, skipped=%d", ok, rb, failed, skipped))
	lines = append(lines, "")

	for _, r := range reports {
		changed := "-"
		if len(r.ChangedServices) > 0 {
			changed = strings.Join(r.ChangedServices, ", ")
		}
		lines = append(lines, fmt.Sprintf("#### %s: %s", planner.StackName(r.ComposeFile), r.Status))
		lines = append(lines, fmt.Sprintf("- compose: `%s`", r.ComposeFile))
		lines = append(lines, fmt.Sprintf("- changed: %s", changed))
		if r.Message != "" {
			lines = append(lines, fmt.Sprintf("- message: %s", r.Message))
		}
		if r.VerifyMessage != "" {
			lines = append(lines, fmt.Sprintf("- verify: %v (%s)", boolPtrVal(r.VerifyOk), r.VerifyMessage))
		}
		if r.RollbackVerifyMessage != "" {
			lines = append(lines, fmt.Sprintf("- rollback_verify: %v (%s)", boolPtrVal(r.RollbackVerifyOk), r.RollbackVerifyMessage))
		}
		lines = append(lines, "")
	}

	return title, strings.Join(lines, "\n")
}

func boolPtrVal(b *bool) interface{} {
	if b == nil {
		return "none"
	}
	return *b
}
