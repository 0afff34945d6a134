package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/maverick-software/agentopia-vault/internal/adapters/driven/auth"
	"github.com/maverick-software/agentopia-vault/internal/core/domain"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driven"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driving"
	"github.com/maverick-software/agentopia-vault/internal/worker"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Run one consistency audit and print the report",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runOnce(cmd.Context(), func(a *app) (worker.Job, func() any) {
			return worker.AuditJob("@every 1h", a.auditor), func() any {
				if r := a.auditor.LastReport(); r != nil {
					return r
				}
				return nil
			}
		})
	},
}

var importLegacyCmd = &cobra.Command{
	Use:   "import-legacy",
	Short: "Rewrite untagged legacy secret references into vault handles",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var report *driving.ImportReport
		return runOnce(cmd.Context(), func(a *app) (worker.Job, func() any) {
			job := worker.Job{
				Name:     "legacy-import",
				Schedule: "@every 24h",
				Lock:     driven.LockImport,
				Run: func(ctx context.Context) error {
					r, err := a.importer.Run(ctx)
					report = r
					return err
				},
			}
			return job, func() any {
				if report == nil {
					return nil
				}
				return report
			}
		})
	},
}

// runOnce builds the app and runs one job under its distributed lock,
// printing the job's result as JSON.
func runOnce(parent context.Context, build func(*app) (worker.Job, func() any)) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signalContext(parent)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	job, result := build(a)
	w := worker.NewWorker(worker.WorkerConfig{Lock: a.lock, Logger: logger})
	if err := w.Register(job); err != nil {
		return err
	}
	if err := w.RunNow(ctx, job.Name); err != nil {
		return err
	}

	out := result()
	if out == nil {
		return fmt.Errorf("%s did not run: another instance holds the %s lock", job.Name, job.Lock)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [key]",
	Short: "Print the bcrypt hash of an executor key for EXECUTOR_KEY_HASH",
	Long:  "Reads the key from the argument or, when omitted, from the first line of stdin.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		var key string
		if len(args) == 1 {
			key = args[0]
		} else {
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read key from stdin: %w", err)
			}
			key = strings.TrimSpace(line)
		}
		if len(key) < 16 {
			return errors.New("executor key must be at least 16 characters")
		}

		hash, err := auth.NewAdapter("").HashKey(key)
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

var (
	tokenUser string
	tokenRole string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a signed bearer token (requires JWT_SECRET)",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if len(cfg.JWTSecret) < 32 {
			return errors.New("JWT_SECRET must be at least 32 bytes")
		}
		if tokenTTL <= 0 {
			return errors.New("--ttl must be positive")
		}

		now := time.Now()
		token, err := auth.NewAdapter(cfg.JWTSecret).GenerateToken(&domain.TokenClaims{
			UserID:    tokenUser,
			Role:      domain.Role(tokenRole),
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(tokenTTL).Unix(),
		})
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user ID the token is issued to")
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(domain.RoleUser), "role: admin, user or executor")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")
}
