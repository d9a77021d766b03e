package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/quka-ai/conhub/cmd/service"
)

func main() {
	// a local .env is optional
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "conhub",
		Short: "conhub",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("empty command")
		},
	}

	root.AddCommand(
		service.NewCommand(),
		service.NewProcessCommand(),
		service.NewSyncCommand(),
		service.NewQueryCommand(),
		service.NewMigrateCommand(),
		service.NewTokenCommand(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
