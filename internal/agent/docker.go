package agent

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/models"
)

// DockerEngine drives relays through the docker CLI.
type DockerEngine struct {
	log    logrus.FieldLogger
	binary string
}

func NewDockerEngine(log logrus.FieldLogger, binary string) *DockerEngine {
	if binary == "" {
		binary = "docker"
	}
	return &DockerEngine{log: log.WithField("component", "docker"), binary: binary}
}

func (d *DockerEngine) run(ctx context.Context, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w (stderr: %s)", d.binary, args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Stop removes the container. A missing container is not an error.
func (d *DockerEngine) Stop(ctx context.Context, kind models.RelayKind, container string) error {
	if _, err := d.run(ctx, "rm", "-f", container); err != nil {
		if strings.Contains(err.Error(), "No such container") {
			return nil
		}
		return err
	}
	d.log.WithFields(logrus.Fields{"relay": kind, "container": container}).Info("relay stopped")
	return nil
}

func (d *DockerEngine) Start(ctx context.Context, kind models.RelayKind, spec RelaySpec) error {
	args := runArgs(spec)
	if _, err := d.run(ctx, args...); err != nil {
		return err
	}
	d.log.WithFields(logrus.Fields{"relay": kind, "container": spec.Container, "image": spec.Image}).Info("relay started")
	return nil
}

func (d *DockerEngine) IsRunning(ctx context.Context, container string) bool {
	out, err := d.run(ctx, "inspect", "-f", "{{.State.Running}}", container)
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "true"
}

// Logs returns the container's combined output tail.
func (d *DockerEngine) Logs(ctx context.Context, container string, lines int) (string, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, d.binary, "logs", "--tail", strconv.Itoa(lines), container)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("%s logs %s: %w", d.binary, container, err)
	}
	return out.String(), nil
}

// runArgs builds a deterministic `docker run` command line.
func runArgs(spec RelaySpec) []string {
	args := []string{"run", "-d", "--name", spec.Container, "--restart", "unless-stopped"}

	hostPorts := make([]int, 0, len(spec.Ports))
	for p := range spec.Ports {
		hostPorts = append(hostPorts, p)
	}
	sort.Ints(hostPorts)
	for _, hp := range hostPorts {
		args = append(args, "-p", fmt.Sprintf("%d:%d", hp, spec.Ports[hp]))
	}
	for _, k := range sortedKeys(spec.Env) {
		args = append(args, "-e", k+"="+spec.Env[k])
	}
	for _, k := range sortedKeys(spec.Volumes) {
		args = append(args, "-v", k+":"+spec.Volumes[k])
	}
	args = append(args, spec.Image)
	return append(args, spec.Args...)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
