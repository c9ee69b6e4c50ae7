package tendermint

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

const defaultSocket = "unix://bazaar.sock"

// InitTendermint initializes a Tendermint home directory with config and
// genesis files. It is a no-op when config.toml already exists.
//
// It runs: `tendermint init --home <tmHome>`
func InitTendermint(ctx context.Context, tmHome string) error {
	if tmHome == "" {
		tmHome = TendermintHome()
	}

	configFile := filepath.Join(tmHome, "config", "config.toml")
	if _, err := os.Stat(configFile); err == nil {
		return nil
	}

	cmd := exec.CommandContext(ctx, "tendermint", "init", "--home", tmHome)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to initialize Tendermint: %w", err)
	}

	return nil
}

// NodeCommand returns the command that starts a Tendermint node proxying to
// the ABCI socket. The process is killed when ctx is cancelled.
func NodeCommand(ctx context.Context, cfg Config) *exec.Cmd {
	if cfg.TendermintHome == "" {
		cfg.TendermintHome = TendermintHome()
	}
	if cfg.SocketAddress == "" {
		cfg.SocketAddress = defaultSocket
	}

	cmd := exec.CommandContext(ctx, "tendermint", "node",
		"--home", cfg.TendermintHome,
		"--proxy_app", cfg.SocketAddress,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return cmd
}

// TendermintHome returns the default Tendermint home directory.
func TendermintHome() string {
	if home := os.Getenv("TMHOME"); home != "" {
		return home
	}
	return filepath.Join(os.Getenv("HOME"), ".tendermint")
}
