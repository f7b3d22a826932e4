package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	cblog "github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/0x4D31/cacheproxy/internal/config"
	"github.com/0x4D31/cacheproxy/internal/loader"
)

func main() {
	cmd := newApp()
	cmd.ErrWriter = os.Stderr
	cmd.Writer = os.Stderr

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		cblog.Fatal(err.Error())
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "cacheproxy",
		Usage:   "caching HTTP/1.0 forwarding proxy",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   config.DefaultLogLevel,
				Sources: cli.EnvVars("CACHEPROXY_LOG_LEVEL"),
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			setLogLevel(cmd.String("log-level"))
			return ctx, nil
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "start the caching proxy",
				Flags:  serveFlags(),
				Action: serveAction,
			},
			{
				Name:  "validate",
				Usage: "validate configuration",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Sources: cli.EnvVars("CACHEPROXY_CONFIG")},
				},
				Action: validateAction,
			},
		},
	}
}

func setLogLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		cblog.SetLevel(cblog.DebugLevel)
	case "warn":
		cblog.SetLevel(cblog.WarnLevel)
	case "error":
		cblog.SetLevel(cblog.ErrorLevel)
	default:
		cblog.SetLevel(cblog.InfoLevel)
	}
}

// resolveConfig builds the effective configuration for serve. It returns the
// path of the loaded file, which is empty in quick mode.
func resolveConfig(cmd *cli.Command) (config.Config, string, error) {
	listenSet := cmd.IsSet("listen")
	configSet := cmd.IsSet("config")
	if listenSet && configSet {
		return config.Config{}, "", errors.New("--config and --listen are mutually exclusive")
	}
	if !configSet && listenSet {
		cfg, err := loader.SynthesiseFromFlags(cmd)
		return cfg, "", err
	}

	cfgPath := cmd.String("config")
	if cfgPath == "" {
		if _, err := os.Stat(defaultConfigFile); err != nil {
			return config.Config{}, "", errors.New("configuration file required (use --config or --listen)")
		}
		cfgPath = defaultConfigFile
	}
	cfgPath, err := loader.AbsFromCWD(cfgPath)
	if err != nil {
		return config.Config{}, "", err
	}
	cfg, err := loader.LoadMain(cfgPath)
	if err != nil {
		return config.Config{}, "", err
	}
	if err := loader.Merge(&cfg, loader.OverridesFromFlags(cmd)); err != nil {
		return config.Config{}, "", err
	}
	return cfg, cfgPath, nil
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cblog.Infof("starting cacheproxy %s", version)

	cfg, cfgPath, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if cfgPath != "" {
		cblog.Infof("loaded config from %s", cfgPath)
	} else {
		cblog.Info("no config file loaded")
	}
	setLogLevel(cfg.Logging.Level)

	rt, err := startRuntime(cfg, cfgPath, loader.OverridesFromFlags(cmd))
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		cblog.Infof("received %s, shutting down", sig)
	case <-rt.Done():
		cblog.Info("stop requested, shutting down")
	}
	signal.Stop(sigCh)

	return rt.shutdown()
}

func validateAction(ctx context.Context, cmd *cli.Command) error {
	path := cmd.String("config")
	if path == "" {
		path = defaultConfigFile
	}
	p, err := loader.AbsFromCWD(path)
	if err != nil {
		return err
	}
	if _, err := loader.LoadMain(p); err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.ErrWriter, "config valid")
	return err
}
