package service

import "strings"

// ImagesConfig lists the images offered when creating an environment.
// Registry entries are prefixed with RegistryURL.
type ImagesConfig struct {
	RegistryURL string   `yaml:"registryURL"`
	Public      []string `yaml:"public"`
	Registry    []string `yaml:"registry"`
}

// DefaultImagesConfig returns the stock image list.
func DefaultImagesConfig() ImagesConfig {
	return ImagesConfig{
		RegistryURL: "10.233.0.132:8000/hdm/",
		Public:      []string{"ubuntu:20.04", "ubuntu:22.04"},
		Registry: []string{
			"ubuntu-desktop-nomachine-cuda:22.04-cu12.4.1",
			"ros2-humble-cu12.4.1-nomachine-priviledged:1.0",
		},
	}
}

// ImageCatalog resolves the configured image list.
type ImageCatalog struct {
	cfg ImagesConfig
}

// NewImageCatalog creates a catalog.
func NewImageCatalog(cfg ImagesConfig) *ImageCatalog {
	return &ImageCatalog{cfg: cfg}
}

// Images returns public images followed by registry images.
func (c *ImageCatalog) Images() []string {
	prefix := c.cfg.RegistryURL
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	images := make([]string, 0, len(c.cfg.Public)+len(c.cfg.Registry))
	images = append(images, c.cfg.Public...)
	for _, name := range c.cfg.Registry {
		images = append(images, prefix+name)
	}
	return images
}
