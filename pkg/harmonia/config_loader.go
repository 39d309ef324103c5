package harmonia

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadOptions reads integration options from a YAML file using strict
// parsing. Fields absent from the file keep their DefaultOptions value; an
// empty path returns the defaults unchanged.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions() // Start with defaults

	if path == "" {
		return opts, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return opts, fmt.Errorf("failed to open options file: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)

	if err := decoder.Decode(&opts); err != nil {
		return opts, fmt.Errorf("YAML syntax error in options file: %w", err)
	}

	return opts, nil
}
