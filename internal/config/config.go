// Package config loads the declarative machine description that
// supplements the CLI flags: kernel/initrd/rootfs/cmdline/memory/cpus/
// readonly fields read from a YAML file, grounded on spec's Ambient Stack choice
// of gopkg.in/yaml.v3 for anything beyond a handful of flat flags.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Machine is the on-disk shape of a kvmlite config file. Every field except
// Initrd also has a corresponding CLI flag (cmd/kvmlite); Initrd is parsed
// but not used by the monitor. Flags take precedence over whatever a
// config file sets, matching how the teacher's own ParseArgs
// layers defaults under explicit arguments.
type Machine struct {
	Kernel   string `yaml:"kernel"`
	Initrd   string `yaml:"initrd"`
	Rootfs   string `yaml:"rootfs"`
	Cmdline  string `yaml:"cmdline"`
	MemoryMB uint64 `yaml:"memory_mb"`
	CPUs     int    `yaml:"cpus"`
	ReadOnly bool   `yaml:"readonly"`
}

// Default returns the built-in fallback configuration: a single CPU and
// 256MiB of RAM, matching the minimum spec's DATA MODEL calls out as a
// sane bring-up size.
func Default() Machine {
	return Machine{
		MemoryMB: 256,
		CPUs:     1,
		Cmdline:  "console=ttyS0 root=/dev/vda rw",
	}
}

// Load reads and parses a YAML machine file, keeping Default's value for
// any field the file does not set (a field set explicitly to zero stays zero).
func Load(path string) (Machine, error) {
	m := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Machine{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Machine{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return m, nil
}
