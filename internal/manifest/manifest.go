// Package manifest holds the declared metadata of extensions: description,
// supported architectures, runtime permissions and version history.
package manifest

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/kraken/internal/apperr"
	"github.com/BadgerOps/kraken/internal/registry"
)

var nameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,62}$`)

// Identity uniquely identifies an extension slot.
type Identity struct {
	Repository string `json:"repository" yaml:"repository"`
	Name       string `json:"name" yaml:"name"`
}

func (id Identity) String() string {
	return id.Name + "@" + id.Repository
}

// Validate checks that the identity can name containers and images.
func (id Identity) Validate() error {
	if _, err := registry.ParseRepository(id.Repository); err != nil {
		return err
	}
	if !nameRegexp.MatchString(id.Name) {
		return apperr.New(apperr.KindInvalid, fmt.Sprintf("invalid extension name %q", id.Name))
	}
	return nil
}

// VersionDescriptor is one declared version of an extension.
type VersionDescriptor struct {
	Tag           string   `json:"tag" yaml:"tag"`
	Prerelease    bool     `json:"prerelease,omitempty" yaml:"prerelease,omitempty"`
	Architectures []string `json:"architectures,omitempty" yaml:"architectures,omitempty"`
	// Permissions is the runtime settings blob handed to the container runtime.
	Permissions map[string]any `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Requirements string        `json:"requirements,omitempty" yaml:"requirements,omitempty"`
}

// Supports reports whether the version runs on arch. A version that declares
// no architectures runs everywhere.
func (v VersionDescriptor) Supports(arch string) bool {
	if len(v.Architectures) == 0 {
		return true
	}
	for _, a := range v.Architectures {
		if a == arch || strings.SplitN(a, "/", 2)[0] == strings.SplitN(arch, "/", 2)[0] {
			return true
		}
	}
	return false
}

// Settings returns the permissions as the JSON blob the runtime decodes.
func (v VersionDescriptor) Settings() (json.RawMessage, error) {
	if len(v.Permissions) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(v.Permissions)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalid, err, "encoding permissions of "+v.Tag, apperr.WithStep(apperr.StepManifest))
	}
	return raw, nil
}

// Manifest is the declared metadata of one extension.
type Manifest struct {
	Identity    `yaml:",inline"`
	Description string              `json:"description,omitempty" yaml:"description,omitempty"`
	Versions    []VersionDescriptor `json:"versions" yaml:"versions"`
}

// Version returns the descriptor for tag.
func (m *Manifest) Version(tag string) (VersionDescriptor, bool) {
	for _, v := range m.Versions {
		if v.Tag == tag {
			return v, true
		}
	}
	return VersionDescriptor{}, false
}

// Tags returns the declared tags in declaration order.
func (m *Manifest) Tags() []string {
	tags := make([]string, 0, len(m.Versions))
	for _, v := range m.Versions {
		tags = append(tags, v.Tag)
	}
	return tags
}

// Parse decodes a manifest document: a list of manifests, in YAML or JSON.
func Parse(data []byte) ([]Manifest, error) {
	var doc []Manifest
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalid, err, "parsing manifest document", apperr.WithStep(apperr.StepManifest))
	}
	seen := make(map[Identity]bool, len(doc))
	for i := range doc {
		m := &doc[i]
		if err := m.Validate(); err != nil {
			return nil, apperr.Wrap(apperr.KindUnknown, err, fmt.Sprintf("manifest entry %d", i), apperr.WithStep(apperr.StepManifest))
		}
		if seen[m.Identity] {
			return nil, apperr.New(apperr.KindInvalid, "duplicate manifest entry "+m.Identity.String(), apperr.WithStep(apperr.StepManifest))
		}
		seen[m.Identity] = true
		for _, v := range m.Versions {
			if v.Tag == "" {
				return nil, apperr.New(apperr.KindInvalid, "manifest "+m.Identity.String()+" declares a version without tag", apperr.WithStep(apperr.StepManifest))
			}
		}
	}
	return doc, nil
}
