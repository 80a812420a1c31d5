package fleet

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// managedLabel marks containers owned by this daemon so List can reconcile
// after a restart without touching unrelated containers.
const managedLabel = "cloudcode.managed=true"

// DockerExecutor runs workstations as docker containers. Each container gets
// the class tool-cache volume mounted at /cache and stays up until removed.
type DockerExecutor struct {
	// Bin overrides the docker binary path; empty means "docker" from PATH.
	Bin string
}

func (d *DockerExecutor) bin() string {
	if d.Bin != "" {
		return d.Bin
	}
	return "docker"
}

func (d *DockerExecutor) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.bin(), args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("docker %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// Create starts a detached container per spec and returns the container id.
func (d *DockerExecutor) Create(ctx context.Context, spec StationSpec) (string, error) {
	args := []string{
		"run", "-d",
		"--name", spec.Name,
		"--label", managedLabel,
		"--label", "cloudcode.class=" + spec.Class,
		"--restart", "unless-stopped",
	}
	if spec.CacheVolume != "" {
		args = append(args, "-v", spec.CacheVolume+":/cache")
	}
	if spec.MemoryLimit != "" {
		args = append(args, "--memory", spec.MemoryLimit)
	}
	if spec.CPULimit > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%g", spec.CPULimit))
	}
	for k, v := range spec.Env {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, spec.Image)
	return d.run(ctx, args...)
}

// Remove force-removes the container. Unknown containers are a no-op.
func (d *DockerExecutor) Remove(ctx context.Context, runtimeID string) error {
	if runtimeID == "" {
		return nil
	}
	_, err := d.run(ctx, "rm", "-f", runtimeID)
	if err != nil && strings.Contains(err.Error(), "No such container") {
		return nil
	}
	return err
}

// Healthy inspects the container state and requires it to be running.
func (d *DockerExecutor) Healthy(ctx context.Context, runtimeID string) error {
	out, err := d.run(ctx, "inspect", "-f", "{{.State.Running}}", runtimeID)
	if err != nil {
		return err
	}
	if out != "true" {
		return fmt.Errorf("container %s not running (state %s)", runtimeID, out)
	}
	return nil
}

// List returns managed containers keyed by name, with the capability class
// read back from the cloudcode.class label.
func (d *DockerExecutor) List(ctx context.Context) (map[string]AdoptedStation, error) {
	out, err := d.run(ctx, "ps", "--filter", "label="+managedLabel,
		"--format", "{{.Names}}\t{{.ID}}\t{{.Label \"cloudcode.class\"}}")
	if err != nil {
		return nil, err
	}
	result := map[string]AdoptedStation{}
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) == 3 && parts[0] != "" {
			result[parts[0]] = AdoptedStation{RuntimeID: parts[1], Class: parts[2]}
		}
	}
	return result, nil
}

// StubExecutor is an in-memory executor for local development and tests.
type StubExecutor struct {
	created   map[string]StationSpec
	unhealthy map[string]bool
	nextID    int
}

// NewStubExecutor returns an empty stub runtime.
func NewStubExecutor() *StubExecutor {
	return &StubExecutor{created: map[string]StationSpec{}, unhealthy: map[string]bool{}}
}

func (s *StubExecutor) Create(_ context.Context, spec StationSpec) (string, error) {
	s.nextID++
	id := fmt.Sprintf("stub-%d", s.nextID)
	s.created[id] = spec
	return id, nil
}

func (s *StubExecutor) Remove(_ context.Context, runtimeID string) error {
	delete(s.created, runtimeID)
	delete(s.unhealthy, runtimeID)
	return nil
}

func (s *StubExecutor) Healthy(_ context.Context, runtimeID string) error {
	if _, ok := s.created[runtimeID]; !ok {
		return fmt.Errorf("no such workstation %s", runtimeID)
	}
	if s.unhealthy[runtimeID] {
		return fmt.Errorf("workstation %s unresponsive", runtimeID)
	}
	return nil
}

func (s *StubExecutor) List(_ context.Context) (map[string]AdoptedStation, error) {
	out := map[string]AdoptedStation{}
	for id, spec := range s.created {
		out[spec.Name] = AdoptedStation{RuntimeID: id, Class: spec.Class}
	}
	return out, nil
}

// MarkUnhealthy makes future Healthy calls for runtimeID fail.
func (s *StubExecutor) MarkUnhealthy(runtimeID string) { s.unhealthy[runtimeID] = true }

// Spec returns the spec a runtime id was created with.
func (s *StubExecutor) Spec(runtimeID string) (StationSpec, bool) {
	spec, ok := s.created[runtimeID]
	return spec, ok
}
