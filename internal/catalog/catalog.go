// Package catalog holds the images and brain profiles a run may reference.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/montylab/simorch/internal/domain"
)

var ErrNotFound = errors.New("catalog entry not found")

type Catalog struct {
	Images        []domain.DockerImage  `yaml:"images"`
	BrainProfiles []domain.BrainProfile `yaml:"brainProfiles"`
}

func Default() *Catalog {
	return &Catalog{
		Images: []domain.DockerImage{
			{ID: "m1", Repo: "monty", Tag: "latest", Role: domain.ImageRoleMonty},
			{ID: "m2", Repo: "monty", Tag: "exp-brain-v2", Role: domain.ImageRoleMonty},
			{ID: "s1", Repo: "unitree-sim", Tag: "isaac-5.0", Role: domain.ImageRoleSimulator},
			{ID: "s2", Repo: "unitree-sim", Tag: "isaac-4.8-h1", Role: domain.ImageRoleSimulator},
		},
		BrainProfiles: []domain.BrainProfile{
			{ID: "bp1", Name: "Small (Fast)", Config: "size: small\nlayers: 2"},
			{ID: "bp2", Name: "Medium (Balanced)", Config: "size: medium\nlayers: 4"},
			{ID: "bp3", Name: "Large (Complex)", Config: "size: large\nlayers: 8"},
		},
	}
}

// Load reads a catalog file, or returns Default when path is empty.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var c Catalog
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) Validate() error {
	seen := map[string]bool{}
	for _, img := range c.Images {
		if err := img.Validate(); err != nil {
			return fmt.Errorf("image %q: %w", img.ID, err)
		}
		if seen[img.ID] {
			return fmt.Errorf("duplicate image id %q", img.ID)
		}
		seen[img.ID] = true
	}
	seen = map[string]bool{}
	for _, p := range c.BrainProfiles {
		if strings.TrimSpace(p.ID) == "" {
			return errors.New("brain profile id is required")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate brain profile id %q", p.ID)
		}
		seen[p.ID] = true
		if err := validateProfileConfig(p.Config); err != nil {
			return fmt.Errorf("brain profile %q: %w", p.ID, err)
		}
	}
	return nil
}

// validateProfileConfig requires the config to be a YAML mapping.
func validateProfileConfig(config string) error {
	var node map[string]any
	if err := yaml.Unmarshal([]byte(config), &node); err != nil {
		return fmt.Errorf("config is not valid yaml: %w", err)
	}
	if len(node) == 0 {
		return errors.New("config must be a non-empty mapping")
	}
	return nil
}

func (c *Catalog) Image(id string) (domain.DockerImage, error) {
	for _, img := range c.Images {
		if img.ID == id {
			return img, nil
		}
	}
	return domain.DockerImage{}, fmt.Errorf("%w: image %s", ErrNotFound, id)
}

func (c *Catalog) ImagesByRole(role domain.ImageRole) []domain.DockerImage {
	out := []domain.DockerImage{}
	for _, img := range c.Images {
		if img.Role == role {
			out = append(out, img)
		}
	}
	return out
}

func (c *Catalog) Profile(id string) (domain.BrainProfile, error) {
	for _, p := range c.BrainProfiles {
		if p.ID == id {
			return p, nil
		}
	}
	return domain.BrainProfile{}, fmt.Errorf("%w: brain profile %s", ErrNotFound, id)
}

func (c *Catalog) Profiles() []domain.BrainProfile {
	return append([]domain.BrainProfile(nil), c.BrainProfiles...)
}
