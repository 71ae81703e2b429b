// Package engine is the capability boundary over the container engine CLI.
// Every call is synchronous and captures stdout. Only ComposeConfig and
// InspectContainer return an error on failure; all other calls tolerate a
// non-zero exit by returning empty output (or nothing), and none of them
// returns a separate success flag.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/docker/docker/api/types/container"
)

// ContainerState is the narrow projection of `docker inspect` this package
// needs. The Health part is decoded into Docker's own container.Health type
// so the Health.Status comparisons match what the daemon actually emits;
// the rest of State is read through a small local struct.
type ContainerState struct {
	RuntimeStatus string
	HealthStatus  string // empty iff the container has no healthcheck configured
	RestartCount  int
}

// Engine invokes `docker` and `docker compose` as subprocesses.
type Engine struct {
	// DockerBin allows tests to point at a stub binary; compose commands
	// run through it as `docker compose`.
	DockerBin string
}

// New returns an Engine invoking the "docker" binary on PATH.
func New() *Engine {
	return &Engine{DockerBin: "docker"}
}

func (e *Engine) dockerBin() string {
	if e.DockerBin == "" {
		return "docker"
	}
	return e.DockerBin
}

func (e *Engine) run(ctx context.Context, args ...string) (stdout string, ok bool) {
	cmd := exec.CommandContext(ctx, e.dockerBin(), args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = nil
	err := cmd.Run()
	return out.String(), err == nil
}

func (e *Engine) composeArgs(composeFile string, args ...string) []string {
	base := []string{"compose", "--project-directory", projectDir(composeFile), "-f", composeFile}
	return append(base, args...)
}

func projectDir(composeFile string) string {
	idx := strings.LastIndexAny(composeFile, "/\\")
	if idx < 0 {
		return "."
	}
	return composeFile[:idx]
}

// composeConfigDoc mirrors the subset of `docker compose config --format
// json` this package reads.
type composeConfigDoc struct {
	Services map[string]struct {
		Image string `json:"image"`
	} `json:"services"`
}

// ComposeConfig returns the services declared by the compose file in
// declaration order (the order `docker compose up --no-deps` recreates
// them in), along with the image per service. Services without an image
// field are omitted. Required: a failure here is a stack-level error, not
// a best-effort no-op.
func (e *Engine) ComposeConfig(ctx context.Context, composeFile string) (order []string, images map[string]string, err error) {
	out, ok := e.run(ctx, e.composeArgs(composeFile, "config", "--format", "json")...)
	if !ok {
		return nil, nil, fmt.Errorf("compose config failed for %s", composeFile)
	}

	order, err = serviceOrder(out)
	if err != nil {
		return nil, nil, fmt.Errorf("parse compose config for %s: %w", composeFile, err)
	}

	var doc composeConfigDoc
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		return nil, nil, fmt.Errorf("parse compose config for %s: %w", composeFile, err)
	}

	images = make(map[string]string, len(doc.Services))
	var ordered []string
	for _, name := range order {
		svc, found := doc.Services[name]
		if found && svc.Image != "" {
			images[name] = svc.Image
			ordered = append(ordered, name)
		}
	}
	return ordered, images, nil
}

// serviceOrder walks the raw JSON token stream to recover the key order of
// the top-level "services" object, which encoding/json's map decoding does
// not preserve.
func serviceOrder(rawJSON string) ([]string, error) {
	dec := json.NewDecoder(strings.NewReader(rawJSON))
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		if key, ok := tok.(string); ok && key == "services" {
			break
		}
	}
	// Next token must be the opening brace of the services object.
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	var order []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected services key token %v", tok)
		}
		order = append(order, name)
		// Skip the service's value (an object) without decoding it.
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// ComposePsRunning returns container ids currently running for the stack.
// Best-effort: an engine failure yields an empty list, not an error.
func (e *Engine) ComposePsRunning(ctx context.Context, composeFile string) []string {
	out, ok := e.run(ctx, e.composeArgs(composeFile, "ps", "-q", "--status", "running")...)
	if !ok {
		return nil
	}
	return splitLines(out)
}

// ComposePsService returns the container ids backing one service.
func (e *Engine) ComposePsService(ctx context.Context, composeFile, service string) []string {
	out, ok := e.run(ctx, e.composeArgs(composeFile, "ps", "-q", service)...)
	if !ok {
		return nil
	}
	return splitLines(out)
}

// ComposePull pulls the images declared by the compose file. Best-effort:
// registry failures must not abort the pipeline.
func (e *Engine) ComposePull(ctx context.Context, composeFile string) {
	e.run(ctx, e.composeArgs(composeFile, "pull")...)
}

// ComposeUp force-recreates exactly the given services, without touching
// their dependencies.
func (e *Engine) ComposeUp(ctx context.Context, composeFile string, services []string) {
	args := append([]string{"up", "-d", "--force-recreate", "--no-deps"}, services...)
	e.run(ctx, e.composeArgs(composeFile, args...)...)
}

// InspectImage resolves an image reference to its content-addressed id.
// Returns "" if the image does not exist locally or the call fails.
func (e *Engine) InspectImage(ctx context.Context, ref string) string {
	out, ok := e.run(ctx, "image", "inspect", "-f", "{{.Id}}", ref)
	if !ok {
		return ""
	}
	return strings.TrimSpace(out)
}

type inspectDoc struct {
	State struct {
		Status       string            `json:"Status"`
		RestartCount int               `json:"RestartCount"`
		Health       *container.Health `json:"Health"`
	} `json:"State"`
}

// InspectContainer decodes `docker inspect <id>` into a ContainerState.
// Required: it returns an error when the command fails or its output does
// not decode. The verifier, its only caller, counts such a container as not
// running for that poll and keeps polling; the error does not fail the stack.
func (e *Engine) InspectContainer(ctx context.Context, containerID string) (ContainerState, error) {
	out, ok := e.run(ctx, "inspect", containerID)
	if !ok {
		return ContainerState{}, fmt.Errorf("docker inspect failed for %s", containerID)
	}
	var docs []inspectDoc
	if err := json.Unmarshal([]byte(out), &docs); err != nil || len(docs) == 0 {
		return ContainerState{}, fmt.Errorf("parse docker inspect for %s: %w", containerID, err)
	}
	d := docs[0]
	state := ContainerState{
		RuntimeStatus: d.State.Status,
		RestartCount:  d.State.RestartCount,
	}
	if d.State.Health != nil {
		state.HealthStatus = d.State.Health.Status
	}
	return state, nil
}

// TagImage tags id under newRef, overwriting any existing tag of that name.
func (e *Engine) TagImage(ctx context.Context, id, newRef string) {
	e.run(ctx, "image", "tag", id, newRef)
}

// RemoveImage removes an image by id or reference. Best-effort.
func (e *Engine) RemoveImage(ctx context.Context, ref string) {
	e.run(ctx, "image", "rm", ref)
}

// PsByAncestor lists containers (running or not) created from the given
// image id, so cleanup can avoid removing an image still in use.
func (e *Engine) PsByAncestor(ctx context.Context, imageID string) []string {
	out, ok := e.run(ctx, "ps", "-a", "--filter", "ancestor="+imageID, "-q")
	if !ok {
		return nil
	}
	return splitLines(out)
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
