package main

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/sahan-penakalapati/hedwig/pkg/app"
	"github.com/sahan-penakalapati/hedwig/pkg/config"
)

type cli struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	configPath string
	logLevel   string
}

// loadConfig reads the config file and environment and applies flag
// overrides.
func (c *cli) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, usageError{err}
		}
	}
	return cfg, nil
}

// openApp builds the application for one command. The caller closes it.
func (c *cli) openApp(cmd *cobra.Command, opts ...app.Option) (*app.App, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(cmd.Context(), cfg, opts...)
}

// withApp runs fn against a freshly built application and closes it.
func (c *cli) withApp(cmd *cobra.Command, fn func(*app.App) error, opts ...app.Option) (err error) {
	a, err := c.openApp(cmd, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(context.WithoutCancel(cmd.Context())); err == nil {
			err = cerr
		}
	}()
	return fn(a)
}
