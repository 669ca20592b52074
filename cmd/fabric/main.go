// Command fabric runs an A2A fabric node.
//
// Usage:
//
//	fabric serve --config configs/fabric.yaml
//	fabric validate-config --config configs/fabric.yaml
//	fabric keygen --out configs/keys/node.key
package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"

	"github.com/praxis/a2a-fabric/internal/config"
	"github.com/praxis/a2a-fabric/internal/crypto"
	"github.com/praxis/a2a-fabric/internal/fabric"
	"github.com/praxis/a2a-fabric/internal/logger"
	"github.com/praxis/a2a-fabric/internal/security"
)

type CLI struct {
	Serve    ServeCmd    `cmd:"" help:"Start a fabric node."`
	Validate ValidateCmd `cmd:"" name:"validate-config" help:"Validate a configuration file."`
	Keygen   KeygenCmd   `cmd:"" help:"Create a node identity key."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	Config   string `short:"c" help:"Path to config file." type:"path" default:"configs/fabric.yaml" env:"FABRIC_CONFIG"`
	LogLevel string `help:"Log level (debug, info, warn, error). Overrides the config file." env:"LOG_LEVEL"`
}

func (c *CLI) load() (*config.AppConfig, *logrus.Logger, error) {
	boot := logrus.New()
	cfg, err := config.LoadConfig(c.Config, boot)
	if err != nil {
		return nil, nil, err
	}
	if c.LogLevel != "" {
		cfg.Logging.Level = c.LogLevel
	}
	return cfg, logger.New(cfg.Logging), nil
}

type ServeCmd struct {
	NodeID          string        `name:"node-id" help:"Override node.id."`
	ShutdownTimeout time.Duration `name:"shutdown-timeout" help:"Grace period for shutdown." default:"15s"`
}

func (s *ServeCmd) Run(cli *CLI) error {
	cfg, log, err := cli.load()
	if err != nil {
		return err
	}
	if s.NodeID != "" {
		cfg.Node.ID = s.NodeID
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Infof("Starting fabric node %s", cfg.Node.ID)
	node, err := fabric.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	if err := node.Start(ctx); err != nil {
		shutdown(node, s.ShutdownTimeout, log)
		return fmt.Errorf("start node: %w", err)
	}

	log.Info("Node running. Press Ctrl+C to stop.")
	<-ctx.Done()
	log.Info("Shutting down...")
	shutdown(node, s.ShutdownTimeout, log)
	return nil
}

func shutdown(node *fabric.Node, timeout time.Duration, log *logrus.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := node.Shutdown(ctx); err != nil {
		log.Errorf("Shutdown error: %v", err)
	}
}

type ValidateCmd struct{}

func (v *ValidateCmd) Run(cli *CLI) error {
	cfg, _, err := cli.load()
	if err != nil {
		return err
	}
	fmt.Printf("Configuration OK: node %s, %d transport profiles, %d bridge mappings\n",
		cfg.Node.ID, len(cfg.Transport.Profiles), len(cfg.Bridge.Mappings))
	return nil
}

type KeygenCmd struct {
	Out string `short:"o" help:"Key file to create. An existing key is kept." type:"path" default:"configs/keys/node.key"`
}

func (k *KeygenCmd) Run() error {
	key, err := security.LoadOrCreateKey(k.Out)
	if err != nil {
		return err
	}
	pub, err := crypto.EncodePublicKey(key.Public().(ed25519.PublicKey))
	if err != nil {
		return err
	}
	fmt.Printf("%s\npublic key: %s\n", k.Out, pub)
	return nil
}

type VersionCmd struct{}

func (v *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
	fmt.Printf("fabric %s\n", version)
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("fabric"),
		kong.Description("A2A protocol fabric node"),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
