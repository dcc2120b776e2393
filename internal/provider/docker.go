package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ContainerWorkspace is where the worktree is mounted inside the container
const ContainerWorkspace = "/workspace"

// imageLabel records which CLI an image was built for; images are shared
// across providers so a mismatch forces a rebuild
const imageLabel = "gza.cli"

// containerHome is the agent user's home inside generated images
const containerHome = "/home/gza"

// dockerImage describes how a provider's CLI is packaged into an image
type dockerImage struct {
	npmPackage string
	cli        string
	configDir  string   // Credential dir under $HOME mounted into the container; empty for none
	envVars    []string // Passed through when set on the host
}

// dockerfilePath is where the Dockerfile for cli lives in the project
func dockerfilePath(projectDir, cli string) string {
	return filepath.Join(projectDir, "etc", "Dockerfile."+cli)
}

// renderDockerfile generates the default Dockerfile for img
func renderDockerfile(img dockerImage) string {
	return fmt.Sprintf(`FROM node:20-slim
RUN apt-get update && apt-get install -y --no-install-recommends git ca-certificates \
    && rm -rf /var/lib/apt/lists/*
RUN npm install -g %s
RUN useradd -m -d %s gza
USER gza
WORKDIR %s
LABEL %s=%s
`, img.npmPackage, containerHome, ContainerWorkspace, imageLabel, img.cli)
}

// needsRebuild reports whether an image must be rebuilt: it is missing,
// older than its Dockerfile, or labelled for a different CLI
func needsRebuild(exists bool, created time.Time, label string, dockerfileMod time.Time, cli string) bool {
	if !exists {
		return true
	}
	if label != cli {
		return true
	}
	return created.Before(dockerfileMod)
}

// parseInspect parses `docker image inspect --format '{{.Created}}|{{index .Config.Labels "gza.cli"}}'`
func parseInspect(out string) (time.Time, string, error) {
	created, label, _ := strings.Cut(strings.TrimSpace(out), "|")
	t, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing image creation time %q: %w", created, err)
	}
	if label == "<no value>" {
		label = ""
	}
	return t, label, nil
}

// ensureImage builds the image for img unless a fresh one already exists
func (b *base) ensureImage(ctx context.Context, opts *DockerOptions, img dockerImage) error {
	if opts.Image == "" {
		return errors.New("docker image name not configured")
	}
	path := dockerfilePath(opts.ProjectDir, img.cli)
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("creating Dockerfile directory: %w", err)
		}
		if err := os.WriteFile(path, []byte(renderDockerfile(img)), 0o644); err != nil {
			return fmt.Errorf("writing Dockerfile: %w", err)
		}
		b.logger.Info("generated Dockerfile", zap.String("path", path))
		fi, err = os.Stat(path)
	}
	if err != nil {
		return fmt.Errorf("reading Dockerfile: %w", err)
	}

	format := fmt.Sprintf(`{{.Created}}|{{index .Config.Labels %q}}`, imageLabel)
	out, inspectErr := exec.CommandContext(ctx, b.dockerBinary, "image", "inspect", "--format", format, opts.Image).Output()
	var (
		created time.Time
		label   string
	)
	exists := inspectErr == nil
	if exists {
		if created, label, err = parseInspect(string(out)); err != nil {
			b.logger.Warn("unreadable image metadata, rebuilding", zap.Error(err))
			exists = false
		}
	}
	if !needsRebuild(exists, created, label, fi.ModTime(), img.cli) {
		return nil
	}

	b.logger.Info("building docker image", zap.String("image", opts.Image), zap.String("cli", img.cli))
	if b.metrics != nil {
		b.metrics.ImageRebuild.WithLabelValues(img.cli).Inc()
	}
	build := exec.CommandContext(ctx, b.dockerBinary, "build",
		"-t", opts.Image,
		"-f", path,
		"--label", imageLabel+"="+img.cli,
		filepath.Dir(path),
	)
	var stderr bytes.Buffer
	build.Stderr = &stderr
	if err := build.Run(); err != nil {
		return fmt.Errorf("building image %s: %w: %s", opts.Image, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// dockerRunArgs builds the `docker run` arguments up to and including the
// image; the caller appends the agent command. A positive timeout is
// enforced inside the container so the agent exits 124 on expiry.
func (b *base) dockerRunArgs(opts *DockerOptions, img dockerImage, workDir string, timeout time.Duration, env []string) []string {
	args := []string{"run", "--rm", "-i",
		"-v", workDir + ":" + ContainerWorkspace,
		"-w", ContainerWorkspace,
	}
	if img.configDir != "" && b.hasDir(img.configDir) {
		args = append(args, "-v", filepath.Join(b.home, img.configDir)+":"+containerHome+"/"+img.configDir)
	}
	for _, name := range img.envVars {
		if b.getenv(name) != "" {
			args = append(args, "-e", name)
		}
	}
	for _, e := range env {
		args = append(args, "-e", e)
	}
	for _, v := range opts.Volumes {
		args = append(args, "-v", v)
	}
	args = append(args, opts.Image)

	if opts.SetupCommand != "" {
		args = append(args, "sh", "-c", opts.SetupCommand+` && exec "$@"`, "gza")
	}
	if timeout > 0 {
		args = append(args, "timeout", fmt.Sprintf("%ds", int(timeout.Seconds())))
	}
	return args
}

// verify runs `<cli> --version` directly or in the container and scans the
// combined output for authentication failure patterns
func (b *base) verify(ctx context.Context, docker *DockerOptions, img dockerImage, patterns []string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var cmd *exec.Cmd
	if docker != nil {
		if err := b.ensureImage(ctx, docker, img); err != nil {
			return err
		}
		args := b.dockerRunArgs(docker, img, docker.ProjectDir, 0, nil)
		args = append(args, img.cli, "--version")
		cmd = exec.CommandContext(ctx, b.dockerBinary, args...)
	} else {
		cmd = exec.CommandContext(ctx, b.binary, "--version")
	}

	out, err := cmd.CombinedOutput()
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%w: install with: npm install -g %s", ErrCLINotFound, img.npmPackage)
	}
	lower := strings.ToLower(string(out))
	for _, p := range patterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return fmt.Errorf("%s: %w", b.name, ErrInvalidCredentials)
		}
	}
	if err != nil {
		return fmt.Errorf("%s --version failed: %w: %s", img.cli, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// resolve turns an agent argv into a command, wrapping it in `docker run`
// when req.Docker is set. Direct runs rely on the context deadline for the
// wall-clock timeout.
func (b *base) resolve(ctx context.Context, req RunRequest, img dockerImage, agentArgs []string, env []string) (command, error) {
	if req.Docker == nil {
		return command{name: b.binary, args: agentArgs, dir: req.WorkDir, env: env, stdin: req.Prompt}, nil
	}
	if err := b.ensureImage(ctx, req.Docker, img); err != nil {
		return command{}, err
	}
	args := b.dockerRunArgs(req.Docker, img, req.WorkDir, req.Timeout, env)
	args = append(args, img.cli)
	args = append(args, agentArgs...)
	return command{name: b.dockerBinary, args: args, stdin: req.Prompt}, nil
}
