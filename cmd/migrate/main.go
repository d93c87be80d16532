package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/fieldgate/fieldgate/internal/config"
	"github.com/fieldgate/fieldgate/internal/database"
	"github.com/fieldgate/fieldgate/internal/logger"
)

var migrationsDir string

func main() {
	root := &cobra.Command{
		Use:   "fieldgate-migrate",
		Short: "Schema migration tool for the FieldGate database",
	}
	root.PersistentFlags().StringVar(&migrationsDir, "dir", "migrations", "directory holding the migration files")
	root.AddCommand(newUpCmd(), newDownCmd(), newStatusCmd(), newCreateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up [n]",
		Short: "Apply all pending migrations, or the next n",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.New("info", "text")

			m, err := newMigrator()
			if err != nil {
				return err
			}
			defer closeMigrator(m, log)

			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n < 1 {
					return fmt.Errorf("step count must be a positive integer, got %q", args[0])
				}
				err = m.Steps(n)
				if err != nil && err != migrate.ErrNoChange {
					return fmt.Errorf("migration failed: %w", err)
				}
				log.Info().Int("steps", n).Msg("migrations applied")
				return nil
			}

			if err := m.Up(); err != nil && err != migrate.ErrNoChange {
				return fmt.Errorf("migration failed: %w", err)
			}
			log.Info().Msg("database is up to date")
			return nil
		},
	}
}

func newDownCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "down [n]",
		Short: "Roll back the last migration, the last n, or everything with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.New("info", "text")

			m, err := newMigrator()
			if err != nil {
				return err
			}
			defer closeMigrator(m, log)

			if all {
				if err := m.Down(); err != nil && err != migrate.ErrNoChange {
					return fmt.Errorf("rollback failed: %w", err)
				}
				log.Info().Msg("all migrations rolled back")
				return nil
			}

			n := 1
			if len(args) == 1 {
				n, err = strconv.Atoi(args[0])
				if err != nil || n < 1 {
					return fmt.Errorf("step count must be a positive integer, got %q", args[0])
				}
			}
			if err := m.Steps(-n); err != nil {
				return fmt.Errorf("rollback failed: %w", err)
			}
			log.Info().Int("steps", n).Msg("migrations rolled back")
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "roll back every applied migration")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newMigrator()
			if err != nil {
				return err
			}
			defer closeMigrator(m, nil)

			version, dirty, err := m.Version()
			if err == migrate.ErrNilVersion {
				fmt.Println("No migrations have been applied")
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to read schema version: %w", err)
			}

			fmt.Printf("Current version: %d\n", version)
			if dirty {
				fmt.Println("State: dirty (a migration failed mid-flight; fix and force the version)")
			} else {
				fmt.Println("State: clean")
			}
			return nil
		},
	}
}

func newCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new up/down migration file pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			if err := os.MkdirAll(migrationsDir, 0o755); err != nil {
				return fmt.Errorf("failed to create migrations directory: %w", err)
			}

			version, err := nextVersion(migrationsDir)
			if err != nil {
				return err
			}

			upFile := fmt.Sprintf("%s/%06d_%s.up.sql", migrationsDir, version, name)
			downFile := fmt.Sprintf("%s/%06d_%s.down.sql", migrationsDir, version, name)

			if err := os.WriteFile(upFile, []byte("-- "+name+"\n"), 0o644); err != nil {
				return fmt.Errorf("failed to create up migration: %w", err)
			}
			if err := os.WriteFile(downFile, []byte("-- revert "+name+"\n"), 0o644); err != nil {
				return fmt.Errorf("failed to create down migration: %w", err)
			}

			fmt.Printf("Created migration files:\n  %s\n  %s\n", upFile, downFile)
			return nil
		},
	}
}

func newMigrator() (*migrate.Migrate, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsDir, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return m, nil
}

func closeMigrator(m *migrate.Migrate, log *logger.Logger) {
	srcErr, dbErr := m.Close()
	if log == nil {
		return
	}
	if srcErr != nil {
		log.Warn().Err(srcErr).Msg("failed to close migration source")
	}
	if dbErr != nil {
		log.Warn().Err(dbErr).Msg("failed to close database connection")
	}
}

// nextVersion scans existing migration files for the highest numeric
// prefix. Counting files would miscount if a pair is ever added or
// removed by hand.
func nextVersion(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	max := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		prefix, _, ok := strings.Cut(entry.Name(), "_")
		if !ok {
			continue
		}
		if v, err := strconv.Atoi(prefix); err == nil && v > max {
			max = v
		}
	}
	return max + 1, nil
}
