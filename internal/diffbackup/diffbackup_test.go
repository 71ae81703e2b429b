package diffbackup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"compose-guardian/internal/engine"
	"compose-guardian/internal/planner"
)

func fakeDocker(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "docker")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func testPlan() *planner.Plan {
	return &planner.Plan{
		ComposeFile: "/stack/docker-compose.yml",
		Order:       []string{"web", "api"},
		Images:      map[string]string{"web": "nginx:1.25", "api": "myorg/api:v2"},
	}
}

func TestRunDetectsChangedAndTagsBackup(t *testing.T) {
	// First two "image inspect" calls return the "before" ids, pull is a
	// no-op, next two return "after" ids: web changed, api did not.
	script := `
count_file="` + t.TempDir() + `/count"
case "$*" in
  *"image inspect"*nginx*)
    n=0
    if [ -f "$count_file.web" ]; then n=$(cat "$count_file.web"); fi
    if [ "$n" = "0" ]; then echo sha256:web-old; else echo sha256:web-new; fi
    echo $((n+1)) > "$count_file.web"
    exit 0
    ;;
  *"image inspect"*api*)
    echo sha256:api-same
    exit 0
    ;;
  *pull*) exit 0 ;;
  *"image tag"*) exit 0 ;;
esac
exit 1
`
	eng := &engine.Engine{DockerBin: fakeDocker(t, script)}
	res := Run(context.Background(), eng, testPlan(), "20240102T030405", nil)

	assert.Equal(t, []string{"web"}, res.Changed)
	assert.Empty(t, res.SkippedNoID)
	assert.Equal(t, "nginx:1.25__backup__20240102T030405", res.BackupTags["web"])
	assert.NotContains(t, res.BackupTags, "api")
}

func TestRunMarksSkippedNoIDWhenInspectFails(t *testing.T) {
	script := `
case "$*" in
  *"image inspect"*nginx*) exit 1 ;;
  *"image inspect"*api*) echo sha256:api-id; exit 0 ;;
  *pull*) exit 0 ;;
esac
exit 1
`
	eng := &engine.Engine{DockerBin: fakeDocker(t, script)}
	res := Run(context.Background(), eng, testPlan(), "20240102T030405", nil)

	assert.Contains(t, res.SkippedNoID, "web")
	assert.NotContains(t, res.Changed, "web")
	assert.Empty(t, res.BackupTags)
}

// TestRunPreservesPlanOrderForChanged guards against re-sorting Changed
// alphabetically: plan.Order lists "web" before "api" (the reverse of
// alphabetical order), and both services change, so Changed must come back
// in plan.Order's order, not sorted.
func TestRunPreservesPlanOrderForChanged(t *testing.T) {
	dir := t.TempDir()
	script := `
case "$*" in
  *"image inspect"*nginx*)
    n=0
    if [ -f "` + dir + `/web" ]; then n=$(cat "` + dir + `/web"); fi
    if [ "$n" = "0" ]; then echo sha256:web-old; else echo sha256:web-new; fi
    echo $((n+1)) > "` + dir + `/web"
    exit 0
    ;;
  *"image inspect"*api*)
    n=0
    if [ -f "` + dir + `/api" ]; then n=$(cat "` + dir + `/api"); fi
    if [ "$n" = "0" ]; then echo sha256:api-old; else echo sha256:api-new; fi
    echo $((n+1)) > "` + dir + `/api"
    exit 0
    ;;
  *pull*) exit 0 ;;
  *"image tag"*) exit 0 ;;
esac
exit 1
`
	eng := &engine.Engine{DockerBin: fakeDocker(t, script)}
	res := Run(context.Background(), eng, testPlan(), "20240102T030405", nil) // Order: []string{"web", "api"}

	assert.Equal(t, []string{"web", "api"}, res.Changed, "Changed must preserve plan.Order, not be alphabetically sorted")
}

func TestBackupTagFormat(t *testing.T) {
	assert.Equal(t, "nginx:1.25__backup__20240102T030405", BackupTag("nginx:1.25", "20240102T030405"))
}

func TestSkippedMessage(t *testing.T) {
	assert.Equal(t, "no image updates detected", SkippedMessage(nil))
	assert.Equal(t, "no image updates detected (some services missing image id: api,web)", SkippedMessage([]string{"api", "web"}))
}
