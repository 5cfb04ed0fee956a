package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dataplane-io/dspool/pkg/dserrors"
)

// File is the on-disk configuration shape: any number of managed pools
// and directory lookups.
type File struct {
	DataSources []*Managed `yaml:"datasources"`
	Lookups     []*Lookup  `yaml:"lookups"`
}

// LoadFile loads a YAML configuration file, substituting ${VAR_NAME}
// references with environment variable values before parsing.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is operator-controlled
	if err != nil {
		return nil, dserrors.Wrap(err, dserrors.ErrorTypeInvalidConfig, "failed to read config file")
	}

	content := substituteEnvVars(string(data))

	var file File
	if err := yaml.Unmarshal([]byte(content), &file); err != nil {
		return nil, dserrors.Wrap(err, dserrors.ErrorTypeInvalidConfig, "failed to parse config file")
	}

	if err := file.validate(); err != nil {
		return nil, err
	}

	return &file, nil
}

// validate rejects files with missing or colliding datasource names early,
// before any lifecycle call sees them.
func (f *File) validate() error {
	seen := make(map[string]struct{}, len(f.DataSources)+len(f.Lookups))
	check := func(name string) error {
		name = strings.TrimSpace(name)
		if name == "" {
			return dserrors.Newf(dserrors.ErrorTypeInvalidConfig,
				"datasource name must be specified via [%s] property", PropDataSourceName)
		}
		if _, dup := seen[name]; dup {
			return dserrors.Newf(dserrors.ErrorTypeInvalidConfig, "duplicate datasource name %q", name)
		}
		seen[name] = struct{}{}
		return nil
	}

	for _, ds := range f.DataSources {
		if err := check(ds.Name); err != nil {
			return err
		}
	}
	for _, l := range f.Lookups {
		if err := check(l.Name); err != nil {
			return err
		}
	}
	return nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content string) string {
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := content[start+2 : end]
		envValue := os.Getenv(varName)
		content = content[:start] + envValue + content[end+1:]
	}
	return content
}
