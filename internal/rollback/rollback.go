/*
Copyright © 2024 LocalRivet <github.com/localrivet>
*/

// Package rollback implements the backup-retag-and-recreate recovery path
// run when the post-update verifier reports failure.
package rollback

import (
	"context"

	"compose-guardian/internal/engine"
	"compose-guardian/internal/logx"
	"compose-guardian/internal/verifier"
)

// Result captures the outcome of one rollback attempt, feeding directly
// into the Report's rollbackVerify* fields.
type Result struct {
	VerifyOk      bool
	VerifyMessage string
}

// Run executes spec.md §4.4's rollback procedure: for each changed service
// with a known backup tag, retag the backup image back over the original
// reference, force-recreate the service, then re-verify. Services with no
// backup tag (the tag call failed during diffbackup) are left untouched —
// their running container is whatever composeUp last produced.
func Run(
	ctx context.Context,
	eng *engine.Engine,
	v *verifier.Verifier,
	composeFile string,
	images map[string]string,
	changed []string,
	backupTags map[string]string,
	log logx.Logger,
) Result {
	for _, svc := range changed {
		tag, ok := backupTags[svc]
		if !ok {
			if log != nil {
				log.Warn("%s: no backup tag recorded, cannot retag for rollback", svc)
			}
			continue
		}
		backupID := eng.InspectImage(ctx, tag)
		if backupID == "" {
			if log != nil {
				log.Warn("%s: backup image %s no longer resolvable, cannot retag", svc, tag)
			}
			continue
		}
		eng.TagImage(ctx, backupID, images[svc])
	}

	if log != nil {
		log.Info("rolling back services: %v", changed)
	}
	eng.ComposeUp(ctx, composeFile, changed)

	ok, msg := v.Verify(ctx, composeFile, changed)
	return Result{VerifyOk: ok, VerifyMessage: msg}
}
