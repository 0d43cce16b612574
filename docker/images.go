package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"

	"github.com/everydev1618/fleet/engine"
)

// PullResult reports the final status line of an image pull.
type PullResult struct {
	Image  string `json:"image"`
	Status string `json:"status"`
}

// ListImages lists the images of a host.
func (c *DockerClient) ListImages(ctx context.Context, hostID int64) ([]image.Summary, error) {
	return onHost(ctx, c, hostID, func(ctx context.Context, e engine.Engine) ([]image.Summary, error) {
		return e.ImageList(ctx, image.ListOptions{})
	})
}

// PullImage pulls ref:tag onto a host and waits for the pull to finish.
func (c *DockerClient) PullImage(ctx context.Context, hostID int64, ref, tag string) (PullResult, error) {
	if ref == "" {
		return PullResult{}, fmt.Errorf("image name is required")
	}
	if tag != "" {
		ref = ref + ":" + tag
	}
	return onHost(ctx, c, hostID, func(ctx context.Context, e engine.Engine) (PullResult, error) {
		rc, err := e.ImagePull(ctx, ref, image.PullOptions{})
		if err != nil {
			return PullResult{}, err
		}
		defer rc.Close()
		status, err := readProgress(rc)
		if err != nil {
			return PullResult{}, fmt.Errorf("pull %s: %w", ref, err)
		}
		return PullResult{Image: ref, Status: status}, nil
	})
}

// progressLine is one line of the daemon's JSON progress stream.
type progressLine struct {
	Status      string `json:"status"`
	Error       string `json:"error"`
	ErrorDetail *struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
}

// readProgress drains a progress stream and returns its last status. An
// error line in the stream fails the pull.
func readProgress(r io.Reader) (string, error) {
	dec := json.NewDecoder(r)
	var last string
	for {
		var line progressLine
		err := dec.Decode(&line)
		if errors.Is(err, io.EOF) {
			return last, nil
		}
		if err != nil {
			return last, err
		}
		if line.ErrorDetail != nil && line.ErrorDetail.Message != "" {
			return last, errors.New(line.ErrorDetail.Message)
		}
		if line.Error != "" {
			return last, errors.New(line.Error)
		}
		if line.Status != "" {
			last = line.Status
		}
	}
}

// ListNetworks lists the networks of a host.
func (c *DockerClient) ListNetworks(ctx context.Context, hostID int64) ([]network.Summary, error) {
	return onHost(ctx, c, hostID, func(ctx context.Context, e engine.Engine) ([]network.Summary, error) {
		return e.NetworkList(ctx, network.ListOptions{})
	})
}

// ListVolumes lists the volumes of a host.
func (c *DockerClient) ListVolumes(ctx context.Context, hostID int64) (volume.ListResponse, error) {
	return onHost(ctx, c, hostID, func(ctx context.Context, e engine.Engine) (volume.ListResponse, error) {
		return e.VolumeList(ctx, volume.ListOptions{})
	})
}
