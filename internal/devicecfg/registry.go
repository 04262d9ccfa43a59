package devicecfg

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"slicetune/pkg/domain"
)

// Device is a registered printer.
type Device struct {
	ID           string `json:"id" yaml:"id"`
	Name         string `json:"name" yaml:"name"`
	ConfigPath   string `json:"config_path" yaml:"config_path"`
	MoonrakerURL string `json:"moonraker_url,omitempty" yaml:"moonraker_url"`
	Default      bool   `json:"default,omitempty" yaml:"default"`
}

// Registry is an immutable set of devices.
type Registry struct {
	devices map[string]Device
	order   []string
}

// NewRegistry validates devices and builds a registry. At most one device
// may be marked default.
func NewRegistry(devices ...Device) (*Registry, error) {
	r := &Registry{devices: make(map[string]Device, len(devices))}
	defaults := 0
	for _, d := range devices {
		d.ID = strings.TrimSpace(d.ID)
		if d.ID == "" {
			return nil, &domain.ValidationError{Field: "devices.id", Message: "required"}
		}
		if _, dup := r.devices[d.ID]; dup {
			return nil, &domain.ValidationError{Field: "devices.id", Message: fmt.Sprintf("duplicate device %q", d.ID)}
		}
		if d.Default {
			defaults++
		}
		r.devices[d.ID] = d
		r.order = append(r.order, d.ID)
	}
	if defaults > 1 {
		return nil, &domain.ValidationError{Field: "devices.default", Message: "more than one default device"}
	}
	sort.Strings(r.order)
	return r, nil
}

// Get returns a device by id.
func (r *Registry) Get(id string) (Device, bool) {
	if r == nil {
		return Device{}, false
	}
	d, ok := r.devices[id]
	return d, ok
}

// List returns all devices ordered by id.
func (r *Registry) List() []Device {
	if r == nil {
		return nil
	}
	out := make([]Device, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.devices[id])
	}
	return out
}

// Default returns the device marked default, else the first by id.
func (r *Registry) Default() (Device, bool) {
	list := r.List()
	for _, d := range list {
		if d.Default {
			return d, true
		}
	}
	if len(list) == 0 {
		return Device{}, false
	}
	return list[0], true
}

// Capabilities parses the device's config file. Unknown devices and devices
// without a readable config get DefaultCapabilities.
func (r *Registry) Capabilities(id string) (Capabilities, error) {
	d, ok := r.Get(id)
	if !ok || d.ConfigPath == "" {
		return DefaultCapabilities(), nil
	}
	f, err := os.Open(d.ConfigPath)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultCapabilities(), nil
	}
	if err != nil {
		return Capabilities{}, fmt.Errorf("open device config %s: %w", d.ID, err)
	}
	defer func() { _ = f.Close() }()
	caps, err := Parse(f)
	if err != nil {
		return Capabilities{}, fmt.Errorf("device %s: %w", d.ID, err)
	}
	return caps, nil
}
