package main

import (
	"github.com/cockroachdb/errors"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"
)

const envVarPrefix = "HEAPTRACE"

// Config holds defaults for the global flags, read from the environment
type Config struct {
	Limit   int  `envconfig:"LIMIT"   default:"16777216"`
	Mmap    bool `envconfig:"MMAP"    default:"false"`
	Verbose bool `envconfig:"VERBOSE" default:"false"`
}

func loadConfig() (Config, error) {
	var c Config
	if err := envconfig.Process(envVarPrefix, &c); err != nil {
		return Config{}, errors.Wrap(err, "parsing environment variables")
	}

	if c.Limit < 0 {
		return Config{}, errors.Newf("%s_LIMIT cannot be negative: %d", envVarPrefix, c.Limit)
	}
	return c, nil
}

// applyEnvironment fills in every global flag that was not set on the command line
func applyEnvironment(cmd *cobra.Command, args []string) error {
	c, err := loadConfig()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	limitExplicit = flags.Changed("limit")
	if !limitExplicit {
		limit = c.Limit
	}
	if !flags.Changed("mmap") {
		useMmap = c.Mmap
	}
	if !flags.Changed("verbose") {
		verbose = c.Verbose
	}

	if limit < 0 {
		return errors.Newf("heap limit cannot be negative: %d", limit)
	}
	return nil
}
