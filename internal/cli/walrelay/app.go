// Package walrelay implements the walrelay command line interface.
package walrelay

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"gitlab.com/gitlab-org/walrelay/internal/config"
)

const (
	flagConfig  = "config"
	flagDataDir = "data-dir"
)

// NewApp returns a new walrelay app.
func NewApp() *cli.App {
	return &cli.App{
		Name:            "walrelay",
		Usage:           "stream the write-ahead log to replicas",
		UsageText:       "walrelay command [command options]",
		HideHelpCommand: true,
		Commands: []*cli.Command{
			newServeCommand(),
			newWALCommand(),
		},
	}
}

func configFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:     flagConfig,
		Usage:    "path to the walrelay configuration file",
		Required: true,
	}
}

func loadConfig(path string) (config.Cfg, error) {
	file, err := os.Open(path)
	if err != nil {
		return config.Cfg{}, err
	}
	defer file.Close()

	cfg, err := config.Load(file)
	if err != nil {
		return config.Cfg{}, err
	}

	if err := cfg.Validate(); err != nil {
		return config.Cfg{}, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}
