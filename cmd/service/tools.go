package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/quka-ai/conhub/app/core"
	v1 "github.com/quka-ai/conhub/app/logic/v1"
	"github.com/quka-ai/conhub/app/logic/v1/process"
	"github.com/quka-ai/conhub/app/store/sqlstore"
	"github.com/quka-ai/conhub/pkg/auth"
	"github.com/quka-ai/conhub/pkg/errors"
	"github.com/quka-ai/conhub/pkg/types"
)

type tenantOptions struct {
	Options
	TenantID string
	UserID   string
}

func (o *tenantOptions) addFlags(cmd *cobra.Command) {
	o.AddFlags(cmd.Flags())
	cmd.Flags().StringVar(&o.TenantID, "tenant", "", "tenant to act for")
	cmd.Flags().StringVar(&o.UserID, "user", "cli", "user recorded as the caller")
	_ = cmd.MarkFlagRequired("tenant")
}

func (o *tenantOptions) context() context.Context {
	return auth.WithClaims(context.Background(), &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: o.UserID},
		TenantID:         o.TenantID,
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// NewSyncCommand runs one sync of an account to completion.
func NewSyncCommand() *cobra.Command {
	var (
		opts      = &tenantOptions{}
		accountID string
		forceFull bool
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "sync one connected account and wait for the job",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := core.MustSetupCore(core.MustLoadBaseConfig(opts.ConfigPath))
			defer app.Close()
			proc := process.NewProcess(app)
			defer proc.Stop()

			ctx := opts.context()
			jobID, err := v1.NewSyncLogic(ctx, app).StartSync(v1.StartSyncRequest{AccountID: accountID, ForceFull: forceFull})
			if err != nil {
				return err
			}
			job, err := app.Syncer().Wait(cmd.Context(), opts.TenantID, jobID)
			if err != nil {
				return err
			}
			if err = printJSON(job); err != nil {
				return err
			}
			if job.Status != types.JOB_COMPLETED {
				return fmt.Errorf("job %s finished %s", job.JobID, job.Status)
			}
			return nil
		},
	}
	opts.addFlags(cmd)
	cmd.Flags().StringVar(&accountID, "account", "", "connected account to sync")
	cmd.Flags().BoolVar(&forceFull, "full", false, "reprocess every item regardless of fingerprints")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func NewQueryCommand() *cobra.Command {
	var (
		opts = &tenantOptions{}
		req  v1.QueryRequest
	)
	cmd := &cobra.Command{
		Use:   "query [text]",
		Short: "answer a context query for a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := core.MustSetupCore(core.MustLoadBaseConfig(opts.ConfigPath))
			defer app.Close()

			req.Query = args[0]
			resp, err := v1.NewQueryLogic(opts.context(), app).Query(req)
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
	opts.addFlags(cmd)
	cmd.Flags().IntVar(&req.TopK, "top-k", 10, "number of context blocks")
	cmd.Flags().StringVar((*string)(&req.Strategy), "strategy", "", "vector, graph or hybrid; empty lets the engine decide")
	cmd.Flags().Int64Var(&req.TimeoutMS, "timeout-ms", 0, "query budget in milliseconds")
	return cmd
}

// NewMigrateCommand applies the schema without starting anything else.
func NewMigrateCommand() *cobra.Command {
	opts := &Options{}
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := core.MustLoadBaseConfig(opts.ConfigPath)
			if cfg.Postgres.DSN == "" {
				return errors.NewKind("migrate", errors.KindConfiguration, "no database configured", nil)
			}
			if err := sqlstore.MustSetup(cfg.Postgres)().Install(); err != nil {
				return err
			}
			fmt.Println("schema is up to date")
			return nil
		},
	}
	opts.AddFlags(cmd.Flags())
	return cmd
}

// NewTokenCommand signs an API token with the configured secret.
func NewTokenCommand() *cobra.Command {
	var (
		opts = &tenantOptions{}
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "issue an api token for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := core.MustLoadBaseConfig(opts.ConfigPath)
			token, err := auth.NewAuthenticator(cfg.Auth.Secret, cfg.Auth.Issuer).Issue(opts.TenantID, opts.UserID, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	opts.addFlags(cmd)
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
