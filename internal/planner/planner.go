// Package planner computes, for one compose file, the ordered list of
// services to manage and decides whether the stack should be skipped
// outright.
package planner

import (
	"context"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"compose-guardian/internal/engine"
	"compose-guardian/internal/logx"
)

// Plan is the outcome of planning one stack. SkipReason is non-empty iff
// the stack should be reported SKIPPED without further action.
type Plan struct {
	ComposeFile string
	Order       []string          // service names, compose declaration order
	Images      map[string]string // service -> image reference
	Ignored     []string          // sorted ignored service names, for the report
	SkipReason  string
}

// minComposeVersion is the oldest legacy `version:` field this tool
// tolerates; anything older gets a logged warning, never a hard failure.
var minComposeVersion = semver.MustParse("3.0.0")

// Plan discovers the services in composeFile, applies the ignore set, and
// decides whether the stack should be skipped per spec.md §4.2.
func Plan(ctx context.Context, eng *engine.Engine, composeFile string, ignore map[string]struct{}, log logx.Logger) (*Plan, error) {
	ignoredSorted := sortedKeys(ignore)

	warnOnLegacyVersion(composeFile, log)

	running := eng.ComposePsRunning(ctx, composeFile)
	if len(running) == 0 {
		return &Plan{
			ComposeFile: composeFile,
			Ignored:     ignoredSorted,
			SkipReason:  "stack not up (no running containers)",
		}, nil
	}

	order, images, err := eng.ComposeConfig(ctx, composeFile)
	if err != nil {
		return nil, err
	}

	var keptOrder []string
	keptImages := make(map[string]string, len(images))
	for _, svc := range order {
		if _, skip := ignore[svc]; skip {
			continue
		}
		keptOrder = append(keptOrder, svc)
		keptImages[svc] = images[svc]
	}

	if len(keptImages) == 0 {
		return &Plan{
			ComposeFile: composeFile,
			Ignored:     ignoredSorted,
			SkipReason:  "no services with image after applying ignore list",
		}, nil
	}

	return &Plan{
		ComposeFile: composeFile,
		Order:       keptOrder,
		Images:      keptImages,
		Ignored:     ignoredSorted,
	}, nil
}

// legacyComposeDoc reads just the top-level `version:` field straight from
// the YAML file, independent of (and before) any engine call — so a stack
// whose compose file the engine cannot even parse still gets a clear
// pre-flight warning in the log instead of an opaque failure.
type legacyComposeDoc struct {
	Version string `yaml:"version"`
}

func warnOnLegacyVersion(composeFile string, log logx.Logger) {
	if log == nil {
		return
	}
	raw, err := os.ReadFile(composeFile)
	if err != nil {
		return
	}
	var doc legacyComposeDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return
	}
	v := strings.TrimSpace(doc.Version)
	if v == "" {
		return
	}
	parsed, err := semver.NewVersion(normalizeVersion(v))
	if err != nil {
		log.Warn("%s: unparseable legacy compose version %q", composeFile, v)
		return
	}
	if parsed.LessThan(minComposeVersion) {
		log.Warn("%s: legacy compose version %q is older than the supported baseline %q", composeFile, v, minComposeVersion.String())
	}
}

// normalizeVersion pads a bare "2" or "3.7" into full semver form.
func normalizeVersion(v string) string {
	parts := strings.Split(v, ".")
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	return strings.Join(parts[:3], ".")
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// ParseIgnoreSet turns the IGNORE_SERVICES env value into a set.
func ParseIgnoreSet(raw string) map[string]struct{} {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]struct{}{}
	}
	out := map[string]struct{}{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out[part] = struct{}{}
		}
	}
	return out
}

// StackName derives a human label from the compose file path, used only
// for log lines and notification sections (not the report's compose_file
// field, which always holds the full path).
func StackName(composeFile string) string {
	dir := composeFile
	if idx := strings.LastIndexAny(composeFile, "/\\"); idx >= 0 {
		dir = composeFile[:idx]
	}
	if idx := strings.LastIndexAny(dir, "/\\"); idx >= 0 {
		dir = dir[idx+1:]
	}
	if dir == "" {
		return composeFile
	}
	return dir
}
