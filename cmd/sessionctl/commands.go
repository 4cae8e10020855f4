package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nkiryanov/sessionkeeper/internal/app"
	"github.com/nkiryanov/sessionkeeper/internal/audit"
	"github.com/nkiryanov/sessionkeeper/internal/db"
	"github.com/nkiryanov/sessionkeeper/internal/domain"
	"github.com/nkiryanov/sessionkeeper/internal/logger"
	"github.com/nkiryanov/sessionkeeper/internal/service/gc"
	"github.com/nkiryanov/sessionkeeper/internal/service/session"
)

type options struct {
	logLevel    string
	backend     string
	databaseDSN string
	redisAddr   string
	redisPrefix string
}

func envOr(getenv func(string) string, key string, fallback string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewRootCommand(getenv func(string) string) *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "sessionctl",
		Short:        "Inspect and maintain stored sessions",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", envOr(getenv, "LOG_LEVEL", logger.LevelWarn), "logging level")
	cmd.PersistentFlags().StringVar(&opts.backend, "backend", envOr(getenv, "STORAGE_BACKEND", app.BackendPostgres), "storage backend (postgres, redis)")
	cmd.PersistentFlags().StringVar(&opts.databaseDSN, "database", getenv("DATABASE_URI"), "database connection string")
	cmd.PersistentFlags().StringVar(&opts.redisAddr, "redis", getenv("REDIS_ADDR"), "redis address")
	cmd.PersistentFlags().StringVar(&opts.redisPrefix, "redis-prefix", getenv("REDIS_PREFIX"), "redis key prefix")

	cmd.AddCommand(
		newGCCommand(opts),
		newIssueCommand(opts),
		newListCommand(opts),
		newRevokeUserCommand(opts),
		newMigrateCommand(opts),
		newTokenCommand(),
	)
	return cmd
}

// Open backend and audit recorder that logs to stderr
func (o *options) open(cmd *cobra.Command) (*app.Backend, audit.Recorder, logger.Logger, error) {
	log, err := logger.NewTextLoggerTo(cmd.ErrOrStderr(), o.logLevel)
	if err != nil {
		return nil, nil, nil, err
	}

	backend, err := app.OpenBackend(cmd.Context(), app.BackendConfig{
		Kind:        o.backend,
		DatabaseDSN: o.databaseDSN,
		RedisAddr:   o.redisAddr,
		RedisPrefix: o.redisPrefix,
	}, log)
	if err != nil {
		return nil, nil, nil, err
	}

	return backend, audit.NewRecorder(log, audit.NewLogSink(log)), log, nil
}

func (o *options) service(cmd *cobra.Command) (*session.Service, func(), error) {
	backend, recorder, log, err := o.open(cmd)
	if err != nil {
		return nil, nil, err
	}

	svc, err := session.NewService(backend.Storage, session.Options{Recorder: recorder, Logger: log})
	if err != nil {
		backend.Close()
		return nil, nil, err
	}
	return svc, backend.Close, nil
}

func parseUserID(value string) (uuid.UUID, error) {
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid user id %q: %w", value, err)
	}
	return id, nil
}

func newGCCommand(opts *options) *cobra.Command {
	var (
		payloads    bool
		namespace   string
		name        string
		maxLifetime time.Duration
	)

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete expired sessions now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, recorder, _, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer backend.Close()

			collector := gc.NewCollector(backend.Storage.Session(), gc.CollectorOptions{Recorder: recorder, Backend: backend.Name})
			deleted, err := collector.CollectGarbage(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired sessions\n", deleted)

			if !payloads {
				return nil
			}

			if err := backend.Handler.Open(cmd.Context(), namespace, name); err != nil {
				return err
			}
			defer func() { _ = backend.Handler.Close() }()

			removed, err := backend.Handler.GC(cmd.Context(), maxLifetime)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d stale payloads\n", removed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&payloads, "payloads", false, "also remove stale handler payloads")
	cmd.Flags().StringVar(&namespace, "namespace", "default", "handler namespace")
	cmd.Flags().StringVar(&name, "session-name", "SESSID", "handler session name")
	cmd.Flags().DurationVar(&maxLifetime, "payload-lifetime", 24*time.Hour, "payload lifetime since last write")
	return cmd
}

func newIssueCommand(opts *options) *cobra.Command {
	var (
		ip          string
		withRefresh bool
		withCsrf    bool
	)

	cmd := &cobra.Command{
		Use:   "issue <user-id>",
		Short: "Start a session for the user and print its secrets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			if userID == domain.GuestUserID {
				return errors.New("guest sessions are not stored, pass a real user id")
			}

			svc, closeFn, err := opts.service(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			sess, raw, err := svc.Start(cmd.Context(), session.StartParams{
				UserID:      userID,
				ActorID:     domain.SystemActorID,
				IP:          ip,
				WithRefresh: withRefresh,
				WithCsrf:    withCsrf,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session: %s\n", sess.ID())
			fmt.Fprintf(out, "access: %s (expires %s)\n", raw.Access, raw.AccessExpiresAt.Format(time.RFC3339))
			if raw.Refresh != "" {
				fmt.Fprintf(out, "refresh: %s (expires %s)\n", raw.Refresh, raw.RefreshExpiresAt.Format(time.RFC3339))
			}
			if raw.Csrf != "" {
				fmt.Fprintf(out, "csrf: %s\n", raw.Csrf)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&ip, "ip", "", "client ip recorded on the session")
	cmd.Flags().BoolVar(&withRefresh, "refresh", false, "issue a refresh token")
	cmd.Flags().BoolVar(&withCsrf, "csrf", false, "issue a csrf token")
	return cmd
}

func newListCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list <user-id>",
		Short: "List active sessions of the user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}

			svc, closeFn, err := opts.service(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			sessions, err := svc.ListActive(cmd.Context(), userID)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tEXPIRES\tLAST IP")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID(), s.Status(), s.ExpiresAt().Format(time.RFC3339), s.LastIP())
			}
			return w.Flush()
		},
	}
}

func newRevokeUserCommand(opts *options) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "revoke-user <user-id>",
		Short: "Revoke every active session of the user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}

			svc, closeFn, err := opts.service(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			revoked, err := svc.RevokeAll(cmd.Context(), userID, reason, domain.SystemActorID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %d sessions\n", revoked)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "revoked by operator", "revocation reason")
	return cmd
}

func newMigrateCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back postgres migrations",
	}

	migration := func(use string, short string, fn func(dsn string) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				if opts.databaseDSN == "" {
					return errors.New("database connection string is required")
				}
				if err := fn(opts.databaseDSN); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "migrate %s: ok\n", use)
				return nil
			},
		}
	}

	cmd.AddCommand(
		migration("up", "Apply all pending migrations", db.Migrate),
		migration("down", "Roll back all migrations", db.MigrateDown),
	)
	return cmd
}

func newTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Generate a random secret and print it with its stored hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := session.GenerateSecret()
			if err != nil {
				return fmt.Errorf("error while generating secret: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "secret: %s\nhash: %s\n", raw, session.HashSecret(raw))
			return nil
		},
	}
}
