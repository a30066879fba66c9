// Package spawn starts agent processes on the orchestrator's behalf:
// either spawn locally as a subprocess, start it in a Docker container, or
// return a command-line string a remote operator runs by hand.
package spawn

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/common/apierr"
	"github.com/agentfleet/agentfleet/internal/common/config"
	"github.com/agentfleet/agentfleet/internal/common/logger"
)

// Target describes what to spawn: the derived agent id plus the CLI
// overrides cmd/agent needs to rederive the same identity.
type Target struct {
	AgentBinary string // path to the cmd/agent executable
	Project     string
	Name        string
	Cwd         string
	BusURL      string
}

// Result reports how a spawn attempt resolved.
type Result struct {
	Mode        string // "local", "docker", "remote"
	PID         int    // set for local
	ContainerID string // set for docker
	RemoteCmd   string // set for remote
}

// Spawner starts one configured agent and reports how it was started.
// The local and remote modes need no setup; New wires the docker client
// used by the docker mode when docker is enabled.
type Spawner struct {
	docker *client.Client
	cfg    config.DockerConfig
	log    *logger.Logger
}

// New builds a Spawner. If dockerCfg.Enabled is false, docker-mode spawn
// requests fail with orchestrator.spawn_failed rather than attempting to
// dial a daemon that was never configured.
func New(dockerCfg config.DockerConfig, log *logger.Logger) (*Spawner, error) {
	s := &Spawner{cfg: dockerCfg, log: log}
	if !dockerCfg.Enabled {
		return s, nil
	}
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if dockerCfg.Host != "" {
		opts = append(opts, client.WithHost(dockerCfg.Host))
	}
	if dockerCfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(dockerCfg.APIVersion))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, apierr.Newf(apierr.CodeOrchestratorSpawnFailed, "create docker client: %v", err)
	}
	s.docker = cli
	return s, nil
}

// Close releases the docker client connection, if one was opened.
func (s *Spawner) Close() error {
	if s.docker == nil {
		return nil
	}
	return s.docker.Close()
}

// SpawnLocal starts t as a direct child subprocess of the orchestrator.
func (s *Spawner) SpawnLocal(ctx context.Context, t Target) (Result, error) {
	args := []string{
		"--project", t.Project,
		"--name", t.Name,
	}
	if t.Cwd != "" {
		args = append(args, "--workdir", t.Cwd)
	}
	if t.BusURL != "" {
		args = append(args, "--bus-url", t.BusURL)
	}
	cmd := exec.CommandContext(ctx, t.AgentBinary, args...)
	cmd.Dir = t.Cwd
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return Result{}, apierr.Newf(apierr.CodeOrchestratorSpawnFailed, "start local agent process: %v", err)
	}
	s.log.Info("spawned local agent process",
		zap.String("project", t.Project), zap.String("name", t.Name), zap.Int("pid", cmd.Process.Pid))
	go func() { _ = cmd.Wait() }() // reap asynchronously; the orchestrator tracks liveness via the registry, not exit status
	return Result{Mode: "local", PID: cmd.Process.Pid}, nil
}

// SpawnDocker starts t inside a container built from the configured agent
// image, mounting t.Cwd read-write so the agent can persist its state and
// queue files the same way a local subprocess would.
func (s *Spawner) SpawnDocker(ctx context.Context, t Target) (Result, error) {
	if s.docker == nil {
		return Result{}, apierr.New(apierr.CodeOrchestratorSpawnFailed, "docker spawn requested but docker is not configured")
	}
	env := []string{
		"AGENTFLEET_AGENT_PROJECT=" + t.Project,
		"AGENTFLEET_AGENT_NAME=" + t.Name,
	}
	if t.BusURL != "" {
		env = append(env, "AGENTFLEET_BUS_REDISURL="+t.BusURL)
	}
	name := fmt.Sprintf("agentfleet-%s-%s", sanitize(t.Project), sanitize(t.Name))

	containerCfg := &container.Config{
		Image:      s.cfg.Image,
		Env:        env,
		WorkingDir: "/workspace",
		Labels:     map[string]string{"agentfleet.project": t.Project, "agentfleet.name": t.Name},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(s.cfg.DefaultNetwork),
	}
	if t.Cwd != "" {
		hostCfg.Binds = []string{t.Cwd + ":/workspace"}
	}

	resp, err := s.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return Result{}, apierr.Newf(apierr.CodeOrchestratorSpawnFailed, "create agent container: %v", err)
	}
	if err := s.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Result{}, apierr.Newf(apierr.CodeOrchestratorSpawnFailed, "start agent container: %v", err)
	}
	s.log.Info("spawned docker agent container",
		zap.String("project", t.Project), zap.String("name", t.Name), zap.String("container_id", resp.ID))
	return Result{Mode: "docker", ContainerID: resp.ID}, nil
}

// StopDocker stops and removes a container started by SpawnDocker.
func (s *Spawner) StopDocker(ctx context.Context, containerID string) error {
	if s.docker == nil {
		return apierr.New(apierr.CodeOrchestratorSpawnFailed, "docker stop requested but docker is not configured")
	}
	timeoutSeconds := int(StopTimeout.Seconds())
	if err := s.docker.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		s.log.Warn("container stop failed, forcing removal", zap.String("container_id", containerID), zap.Error(err))
	}
	if err := s.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return apierr.Newf(apierr.CodeOrchestratorSpawnFailed, "remove agent container: %v", err)
	}
	return nil
}

// RemoteCommand builds the command line a remote operator would run by
// hand to bring the agent online.
func RemoteCommand(t Target) string {
	parts := []string{t.AgentBinary, "--project", t.Project, "--name", t.Name}
	if t.Cwd != "" {
		parts = append(parts, "--workdir", t.Cwd)
	}
	if t.BusURL != "" {
		parts = append(parts, "--bus-url", t.BusURL)
	}
	return strings.Join(parts, " ")
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, s)
}

// StopTimeout is how long StopDocker lets a container stop gracefully
// before the docker daemon kills it.
const StopTimeout = 10 * time.Second
