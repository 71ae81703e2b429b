// Package diffbackup computes the changed-image set for a planned stack
// and tags a recoverable backup image per changed service.
package diffbackup

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"compose-guardian/internal/engine"
	"compose-guardian/internal/logx"
	"compose-guardian/internal/planner"
)

// Result is the outcome of one diff+backup pass over a plan.
type Result struct {
	BeforeIDs   map[string]string // service -> image id before pull
	AfterIDs    map[string]string // service -> image id after pull
	Changed     []string          // services whose id changed, in plan order
	SkippedNoID []string          // services with an empty before/after id, sorted
	BackupTags  map[string]string // service -> backup tag, only for services that got one
}

// BackupTag returns the deterministic tag name for an image at a run.
func BackupTag(image, runTimestamp string) string {
	return fmt.Sprintf("%s__backup__%s", image, runTimestamp)
}

// Run executes spec.md §4.3's algorithm: resolve before-ids, pull, resolve
// after-ids, diff, then tag a backup image per changed service.
func Run(ctx context.Context, eng *engine.Engine, plan *planner.Plan, runTimestamp string, log logx.Logger) *Result {
	before := resolveImageIDs(ctx, eng, plan)

	eng.ComposePull(ctx, plan.ComposeFile)

	after := resolveImageIDs(ctx, eng, plan)

	// changed preserves plan.Order (the compose file's declaration order,
	// per spec.md §4.2's "Dependency ordering" note) rather than sorting
	// alphabetically: downstream, the verifier evaluates changed services
	// in this same order, and this order is what determines which
	// service's bookkeeping runs first within a poll.
	var changed, skippedNoID []string
	for _, svc := range plan.Order {
		b, a := before[svc], after[svc]
		if b == "" || a == "" {
			skippedNoID = append(skippedNoID, svc)
			continue
		}
		if b != a {
			changed = append(changed, svc)
		}
	}
	sort.Strings(skippedNoID)

	if log != nil {
		log.Info("diff: %d changed, %d skipped (no image id)", len(changed), len(skippedNoID))
	}

	backupTags := make(map[string]string, len(changed))
	for _, svc := range changed {
		oldID := before[svc]
		if oldID == "" {
			continue
		}
		tag := BackupTag(plan.Images[svc], runTimestamp)
		eng.TagImage(ctx, oldID, tag)
		backupTags[svc] = tag
		if log != nil {
			log.Info("%s: tagged backup image %s", svc, tag)
		}
	}

	return &Result{
		BeforeIDs:   before,
		AfterIDs:    after,
		Changed:     changed,
		SkippedNoID: skippedNoID,
		BackupTags:  backupTags,
	}
}

func resolveImageIDs(ctx context.Context, eng *engine.Engine, plan *planner.Plan) map[string]string {
	ids := make(map[string]string, len(plan.Order))
	for _, svc := range plan.Order {
		ids[svc] = eng.InspectImage(ctx, plan.Images[svc])
	}
	return ids
}

// SkippedMessage formats the SKIPPED message for a no-op run (spec.md §4.3
// step 5), noting any services excluded for lacking a resolvable image id.
func SkippedMessage(skippedNoID []string) string {
	if len(skippedNoID) == 0 {
		return "no image updates detected"
	}
	return fmt.Sprintf("no image updates detected (some services missing image id: %s)", strings.Join(skippedNoID, ","))
}
