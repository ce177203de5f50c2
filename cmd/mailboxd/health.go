package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/louspringer/inter-llm-mailbox/pkg/drivers/redis"
	"github.com/louspringer/inter-llm-mailbox/pkg/mailboxcore"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check backend connectivity and component health",
	RunE:  runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	driver, err := redis.New(ctx, cfg.Backend)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer driver.Close()

	backend, err := driver.Health(ctx)
	if err != nil {
		return fmt.Errorf("backend health: %w", err)
	}
	fmt.Printf("backend      %s  %s\n", backend.State, backend.Message)

	core, err := mailboxcore.New(driver, cfg.Core)
	if err != nil {
		return fmt.Errorf("build core: %w", err)
	}
	if err := core.Start(ctx); err != nil {
		return fmt.Errorf("start core: %w", err)
	}
	defer core.Stop(ctx)

	components := core.Components(ctx)
	names := make([]string, 0, len(components))
	for name := range components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		status := components[name]
		fmt.Printf("%-12s %s  %s\n", name, status.State, status.Message)
	}
	return nil
}
