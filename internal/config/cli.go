package config

import (
	"flag"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Flags holds the command line options shared by the binaries
type Flags struct {
	ConfigFile     string
	GenerateConfig bool
}

// ParseFlags parses command line flags for the named program
func ParseFlags(program string, args []string, output io.Writer) (Flags, error) {
	var f Flags
	fs := flag.NewFlagSet(program, flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&f.ConfigFile, "config", "", "Path to configuration file")
	fs.BoolVar(&f.GenerateConfig, "generate-config", false, "Print an example configuration file and exit")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	return f, nil
}

// GenerateExampleConfig writes the default configuration as YAML
func GenerateExampleConfig(w io.Writer) error {
	data, err := yaml.Marshal(getDefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to render example config: %w", err)
	}
	if _, err := fmt.Fprintln(w, "# docsync configuration. Every value can be overridden by its DOCSYNC_* environment variable."); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
