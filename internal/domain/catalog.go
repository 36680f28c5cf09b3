package domain

import (
	"errors"
	"strings"
)

// ImageRole tags what a container image is used for within a run.
type ImageRole string

const (
	ImageRoleMonty     ImageRole = "monty"
	ImageRoleSimulator ImageRole = "simulator"
)

// DockerImage is an immutable reference to a container image.
type DockerImage struct {
	ID   string    `json:"id" yaml:"id"`
	Repo string    `json:"repo" yaml:"repo"`
	Tag  string    `json:"tag" yaml:"tag"`
	Role ImageRole `json:"type" yaml:"type"`
}

// Reference renders the pullable image reference under registry. An empty
// registry yields "<repo>:<tag>".
func (i DockerImage) Reference(registry string) string {
	ref := i.Repo + ":" + i.Tag
	registry = strings.TrimRight(strings.TrimSpace(registry), "/")
	if registry == "" {
		return ref
	}
	return registry + "/" + ref
}

func (i DockerImage) Validate() error {
	if strings.TrimSpace(i.ID) == "" {
		return errors.New("image id is required")
	}
	if strings.TrimSpace(i.Repo) == "" {
		return errors.New("image repo is required")
	}
	if strings.TrimSpace(i.Tag) == "" {
		return errors.New("image tag is required")
	}
	switch i.Role {
	case ImageRoleMonty, ImageRoleSimulator:
		return nil
	default:
		return errors.New("image type must be monty or simulator")
	}
}

// BrainProfile is a named brain configuration. Config holds YAML text.
type BrainProfile struct {
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	Config string `json:"config" yaml:"config"`
}
