package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relayforge/mcprunner/internal/llmprovider"
	"github.com/relayforge/mcprunner/internal/oauth"
)

var poolPath string

// buildPoolCmd creates the "pool" command group for direct OAuth pool
// file maintenance, outside of any dispatch run.
func buildPoolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Inspect and edit the OAuth credential pool",
	}
	cmd.PersistentFlags().StringVar(&poolPath, "pool-path", "", "OAuth pool file path (default: MCPRUNNER_OPENAI_OAUTH_POOL_PATH)")
	cmd.AddCommand(
		buildPoolListCmd(),
		buildPoolPinCmd(),
		buildPoolUnpinCmd(),
		buildPoolDisableCmd(),
		buildPoolEnableCmd(),
		buildPoolRotateCmd(),
		buildPoolStrategyCmd(),
	)
	return cmd
}

func resolvePoolPath() string {
	if poolPath != "" {
		return poolPath
	}
	return llmprovider.OAuthConfigFromEnv().PoolPath
}

func loadPool() (*oauth.Pool, string, error) {
	path := resolvePoolPath()
	pool, err := oauth.LoadPool(path)
	if err != nil {
		return nil, path, configError(err)
	}
	return pool, path, nil
}

func savePool(path string, pool *oauth.Pool) error {
	if err := oauth.SavePool(path, pool); err != nil {
		return configError(err)
	}
	return nil
}

func buildPoolListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every profile in the pool with its usability",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, _, err := loadPool()
			if err != nil {
				return err
			}
			type row struct {
				Profile   string `json:"profile"`
				Email     string `json:"email"`
				Disabled  bool   `json:"disabled"`
				Pinned    bool   `json:"pinned"`
				LastUsed  bool   `json:"lastUsed"`
				Remaining float64 `json:"remaining"`
			}
			var rows []row
			for name, pr := range pool.Profiles {
				rows = append(rows, row{
					Profile:   name,
					Email:     pr.EffectiveEmail(),
					Disabled:  pr.Disabled,
					Pinned:    pool.PinnedProfile == name,
					LastUsed:  pool.LastUsedProfile == name,
					Remaining: pr.EffectiveRemaining(),
				})
			}
			out, err := json.MarshalIndent(rows, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func buildPoolPinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pin [profile]",
		Short: "Pin a profile so selection always chooses it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, path, err := loadPool()
			if err != nil {
				return err
			}
			if err := pool.Pin(args[0]); err != nil {
				return configError(err)
			}
			return savePool(path, pool)
		},
	}
}

func buildPoolUnpinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unpin",
		Short: "Clear the pinned profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, path, err := loadPool()
			if err != nil {
				return err
			}
			pool.Unpin()
			return savePool(path, pool)
		},
	}
}

func buildPoolDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable [profile]",
		Short: "Mark a profile permanently unusable until re-login",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, path, err := loadPool()
			if err != nil {
				return err
			}
			if err := pool.Disable(args[0]); err != nil {
				return configError(err)
			}
			return savePool(path, pool)
		},
	}
}

func buildPoolEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable [profile]",
		Short: "Clear a profile's disabled flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, path, err := loadPool()
			if err != nil {
				return err
			}
			if err := pool.Enable(args[0]); err != nil {
				return configError(err)
			}
			return savePool(path, pool)
		},
	}
}

func buildPoolRotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Rotate the last-used profile to the next usable one",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, path, err := loadPool()
			if err != nil {
				return err
			}
			next, err := pool.RotateAfter(pool.LastUsedProfile, "")
			if err != nil {
				return configError(err)
			}
			pool.MarkUsed(next)
			if err := savePool(path, pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), next)
			return nil
		},
	}
}

func buildPoolStrategyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "strategy [sticky|round-robin]",
		Short: "Set the pool's selection strategy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			strategy := oauth.Strategy(args[0])
			if strategy != oauth.StrategySticky && strategy != oauth.StrategyRoundRobin {
				return configError(fmt.Errorf("unknown strategy %q (want sticky or round-robin)", args[0]))
			}
			pool, path, err := loadPool()
			if err != nil {
				return err
			}
			pool.SetStrategy(strategy)
			return savePool(path, pool)
		},
	}
}
