package catalog

import (
	"fmt"

	"github.com/Is-a-space/discord-vps-creator/internal/models"
)

// Catalog maps variant tags to their image and bootstrap. Read-only after
// construction, so safe for concurrent use.
type Catalog struct {
	variants map[string]models.VariantSpec
}

const (
	aptBootstrap    = "apt update && apt install -y tmate && tmate -F"
	pacmanBootstrap = "pacman -Sy --noconfirm && pacman -S --noconfirm tmate && tmate -F"
)

// Default returns the catalog of supported OS variants.
func Default() *Catalog {
	return New(
		models.VariantSpec{Tag: "ubuntu", Image: "ubuntu:22.04", Bootstrap: aptBootstrap},
		models.VariantSpec{Tag: "debian", Image: "debian:12", Bootstrap: aptBootstrap},
		models.VariantSpec{Tag: "arch", Image: "archlinux:latest", Bootstrap: pacmanBootstrap},
	)
}

// New builds a catalog from the given specs.
func New(specs ...models.VariantSpec) *Catalog {
	m := make(map[string]models.VariantSpec, len(specs))
	for _, s := range specs {
		m[s.Tag] = s
	}
	return &Catalog{variants: m}
}

// Resolve looks up a variant by tag.
func (c *Catalog) Resolve(tag string) (models.VariantSpec, error) {
	s, ok := c.variants[tag]
	if !ok {
		return models.VariantSpec{}, fmt.Errorf("%w: %q", models.ErrVariantNotFound, tag)
	}
	return s, nil
}

// Tags returns the known variant tags.
func (c *Catalog) Tags() []string {
	tags := make([]string, 0, len(c.variants))
	for t := range c.variants {
		tags = append(tags, t)
	}
	return tags
}
