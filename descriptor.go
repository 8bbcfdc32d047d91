package filezoom

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Descriptor describes one backend to mount.
//
// Example mounts file:
//
//	mounts:
//	  - id: home
//	    driver: local
//	    options:
//	      root: /home/me
//	  - id: box
//	    driver: sftp
//	    read_only: true
//	    options:
//	      host: box.example.com
//	      user: me
//	      key_file: ~/.ssh/id_ed25519
type Descriptor struct {
	ID       BackendID         `yaml:"id"`
	Driver   string            `yaml:"driver"`
	ReadOnly bool              `yaml:"read_only"`
	Options  map[string]string `yaml:"options"`
}

// Option returns a driver option or def when unset.
func (d Descriptor) Option(key, def string) string {
	if v, ok := d.Options[key]; ok && v != "" {
		return v
	}
	return def
}

// IntOption parses an integer driver option.
func (d Descriptor) IntOption(key string, def int) (int, error) {
	v, ok := d.Options[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("option %s: %w", key, err)
	}
	return n, nil
}

// BoolOption parses a boolean driver option.
func (d Descriptor) BoolOption(key string, def bool) (bool, error) {
	v, ok := d.Options[key]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("option %s: %w", key, err)
	}
	return b, nil
}

type mountsFile struct {
	Mounts []Descriptor `yaml:"mounts"`
}

// LoadDescriptors decodes a YAML mounts document.
func LoadDescriptors(r io.Reader) ([]Descriptor, error) {
	var f mountsFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("parse mounts: %w", err)
	}
	for i, d := range f.Mounts {
		if d.Driver == "" {
			return nil, fmt.Errorf("mount %d: driver is required", i)
		}
	}
	return f.Mounts, nil
}

// LoadDescriptorsFile reads descriptors from path. A missing file yields no
// descriptors and no error.
func LoadDescriptorsFile(path string) ([]Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open mounts file: %w", err)
	}
	defer f.Close()
	return LoadDescriptors(f)
}
