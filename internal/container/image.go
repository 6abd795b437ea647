package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/client"
	goarchive "github.com/moby/go-archive"
)

// BuildAgentImage builds imageName from Dockerfile.agent in the working
// directory.
func BuildAgentImage(ctx context.Context, docker *client.Client, imageName string) error {
	cwd, _ := os.Getwd()
	buildContext := cwd

	tar, err := goarchive.TarWithOptions(buildContext, &goarchive.TarOptions{})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}

	resp, err := docker.ImageBuild(ctx, tar, build.ImageBuildOptions{
		Tags:       []string{imageName},
		Dockerfile: "Dockerfile.agent",
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("build image: %w", err)
	}
	defer resp.Body.Close()

	if err := drainBuildOutput(resp.Body); err != nil {
		return fmt.Errorf("build image: %w", err)
	}

	slog.Info("agent image built", "image", imageName)
	return nil
}

// NewDockerClient connects using the environment's docker settings.
func NewDockerClient() (*client.Client, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return docker, nil
}

// drainBuildOutput reads the JSON build stream, logging progress and
// returning the first build error it reports.
func drainBuildOutput(r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var msg struct {
			Stream string `json:"stream"`
			Error  string `json:"error"`
		}
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			slog.Warn("error reading build output", "error", err)
			return nil
		}
		if msg.Error != "" {
			return errors.New(msg.Error)
		}
		if line := strings.TrimSpace(msg.Stream); line != "" {
			slog.Debug("image build", "output", line)
		}
	}
}
