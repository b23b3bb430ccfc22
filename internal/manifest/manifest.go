// Package manifest describes what a kernel boots with: the executable
// images to synthesize into the file system and the programs init spawns.
// Manifests are YAML or TOML files.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"

	"github.com/GriffinCanCode/exokern/internal/elf"
	"github.com/GriffinCanCode/exokern/internal/memfs"
	"github.com/GriffinCanCode/exokern/internal/syserr"
)

// BootTable is where Install writes the boot entries for init to read.
const BootTable = "/etc/boot"

// Image is an executable synthesized for a native program.
type Image struct {
	Path    string `yaml:"path" toml:"path" json:"path"`
	Program string `yaml:"program" toml:"program" json:"program"`
	Data    string `yaml:"data,omitempty" toml:"data,omitempty" json:"data,omitempty"`
	BSS     uint32 `yaml:"bss,omitempty" toml:"bss,omitempty" json:"bss,omitempty"`
}

// Entry is one program spawned at boot. Args is the full argv, so Args[0]
// is the program name.
type Entry struct {
	Path string   `yaml:"path" toml:"path" json:"path"`
	Args []string `yaml:"args,omitempty" toml:"args,omitempty" json:"args,omitempty"`
}

// Argv returns the entry's arguments, defaulting to the program's base name.
func (e Entry) Argv() []string {
	if len(e.Args) == 0 {
		return []string{path.Base(e.Path)}
	}
	return e.Args
}

// Manifest is a boot description.
type Manifest struct {
	Images []Image `yaml:"images" toml:"images" json:"images"`
	Boot   []Entry `yaml:"boot" toml:"boot" json:"boot"`
}

// Format is a manifest encoding.
type Format int

const (
	YAML Format = iota
	TOML
)

// String returns the string representation of the format
func (f Format) String() string {
	switch f {
	case YAML:
		return "yaml"
	case TOML:
		return "toml"
	default:
		return "unknown"
	}
}

// FormatOf picks the format from a file extension.
func FormatOf(name string) (Format, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return YAML, nil
	case ".toml":
		return TOML, nil
	default:
		return 0, fmt.Errorf("manifest %s: unknown extension", name)
	}
}

// Load reads and validates a manifest file.
func Load(name string) (*Manifest, error) {
	format, err := FormatOf(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	m, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", name, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", name, err)
	}
	return m, nil
}

// Parse decodes a manifest without validating it.
func Parse(data []byte, format Format) (*Manifest, error) {
	var m Manifest
	var err error
	switch format {
	case YAML:
		err = yaml.Unmarshal(data, &m)
	case TOML:
		err = toml.Unmarshal(data, &m)
	default:
		return nil, fmt.Errorf("unsupported manifest format %v", format)
	}
	if err != nil {
		return nil, fmt.Errorf("%v parse error: %w", format, err)
	}
	return &m, nil
}

// Marshal encodes m.
func (m *Manifest) Marshal(format Format) ([]byte, error) {
	switch format {
	case YAML:
		return yaml.Marshal(m)
	case TOML:
		return toml.Marshal(m)
	default:
		return nil, fmt.Errorf("unsupported manifest format %v", format)
	}
}

func checkPath(p string) error {
	if len(p) < 2 || p[0] != '/' || path.Clean(p) != p {
		return fmt.Errorf("%q: %w", p, syserr.EBadPath)
	}
	return nil
}

// Validate checks paths and names. Whether boot paths exist is only known
// once the file system is populated, so Install checks that.
func (m *Manifest) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(m.Images))
	for i, img := range m.Images {
		if err := checkPath(img.Path); err != nil {
			errs = append(errs, fmt.Errorf("images[%d]: %w", i, err))
		}
		if seen[img.Path] {
			errs = append(errs, fmt.Errorf("images[%d]: duplicate path %s", i, img.Path))
		}
		seen[img.Path] = true
		if img.Program == "" {
			errs = append(errs, fmt.Errorf("images[%d]: program name required", i))
		}
		if strings.IndexByte(img.Program, 0) >= 0 {
			errs = append(errs, fmt.Errorf("images[%d]: program name contains NUL", i))
		}
		if len(img.Program) >= elf.MaxStubName {
			errs = append(errs, fmt.Errorf("images[%d]: program name longer than %d bytes", i, elf.MaxStubName-1))
		}
	}
	for i, e := range m.Boot {
		if err := checkPath(e.Path); err != nil {
			errs = append(errs, fmt.Errorf("boot[%d]: %w", i, err))
		}
		for _, a := range e.Args {
			if a == "" || strings.ContainsAny(a, " \t\n") {
				errs = append(errs, fmt.Errorf("boot[%d]: argument %q must be a non-empty word", i, a))
			}
		}
	}
	return errors.Join(errs...)
}

// Install creates every image in fs and writes the boot table. It fails if
// a boot entry names a file that is not in fs afterwards.
func (m *Manifest) Install(fs *memfs.FS) error {
	for _, img := range m.Images {
		if err := fs.Create(img.Path, elf.Stub(img.Program, []byte(img.Data), img.BSS)); err != nil {
			return fmt.Errorf("failed to install %s: %w", img.Path, err)
		}
	}
	for _, e := range m.Boot {
		if _, err := fs.Stat(e.Path); err != nil {
			return fmt.Errorf("boot entry %s: %w", e.Path, err)
		}
	}
	return fs.Create(BootTable, m.BootTable())
}

// BootTable renders the boot entries one per line: the path followed by
// the arguments, separated by spaces.
func (m *Manifest) BootTable() []byte {
	var sb strings.Builder
	for _, e := range m.Boot {
		sb.WriteString(e.Path)
		for _, a := range e.Argv() {
			sb.WriteByte(' ')
			sb.WriteString(a)
		}
		sb.WriteByte('\n')
	}
	return []byte(sb.String())
}

// ParseBootTable is the inverse of BootTable.
func ParseBootTable(b []byte) []Entry {
	var out []Entry
	for _, line := range strings.Split(string(b), "\n") {
		f := strings.Fields(line)
		if len(f) == 0 || strings.HasPrefix(f[0], "#") {
			continue
		}
		out = append(out, Entry{Path: f[0], Args: f[1:]})
	}
	return out
}

// Default boots the demonstration programs.
func Default() *Manifest {
	return &Manifest{
		Images: []Image{
			{Path: "/bin/hello", Program: "hello"},
			{Path: "/bin/pingpong", Program: "pingpong"},
			{Path: "/bin/pong", Program: "pong"},
			{Path: "/bin/pipeline", Program: "pipeline", Data: "hello through a pipe\n"},
			{Path: "/bin/drain", Program: "drain"},
		},
		Boot: []Entry{
			{Path: "/bin/hello", Args: []string{"hello", "hello", "world"}},
			{Path: "/bin/pingpong"},
			{Path: "/bin/pipeline"},
		},
	}
}
