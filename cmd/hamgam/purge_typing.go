package main

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/4xmen/hamgam/internal/models"
	"github.com/4xmen/hamgam/pkg/config"
)

// Typing flags are normally removed by the server when a connection drops.
// A crashed server never runs those actions, so the flags outlive it.

type purgeTypingOptions struct {
	DatabasePath string
	DryRun       bool
}

func parsePurgeTypingArgs(cfg *config.Config, args []string) (purgeTypingOptions, error) {
	opts := purgeTypingOptions{DatabasePath: cfg.DatabasePath}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--dry-run":
			opts.DryRun = true
		case "--database":
			i++
			if i >= len(args) || strings.TrimSpace(args[i]) == "" {
				return opts, fmt.Errorf("--database requires a path")
			}
			opts.DatabasePath = args[i]
		default:
			return opts, fmt.Errorf("unknown purge-typing flag: %s", args[i])
		}
	}

	if strings.TrimSpace(opts.DatabasePath) == "" {
		return opts, fmt.Errorf("database path cannot be empty")
	}

	return opts, nil
}

func runPurgeTyping(cfg *config.Config, out io.Writer, args []string) error {
	opts, err := parsePurgeTypingArgs(cfg, args)
	if err != nil {
		return err
	}
	return purgeTyping(out, opts)
}

func purgeTyping(out io.Writer, opts purgeTypingOptions) error {
	if _, err := os.Stat(opts.DatabasePath); err != nil {
		return fmt.Errorf("failed to access database path: %w", err)
	}

	dbConn, err := sql.Open("sqlite3", opts.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer dbConn.Close()

	if err := dbConn.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	// One connection so BEGIN and COMMIT share it.
	dbConn.SetMaxOpenConns(1)

	if _, err := dbConn.Exec("BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("failed to start purge transaction: %w", err)
	}
	inTx := true
	defer func() {
		if inTx {
			_, _ = dbConn.Exec("ROLLBACK")
		}
	}()

	hasNodes, err := nodesTableExists(dbConn)
	if err != nil {
		return fmt.Errorf("failed to inspect schema: %w", err)
	}
	if !hasNodes {
		return fmt.Errorf("%s is not a hamgam store (no nodes table)", opts.DatabasePath)
	}

	prefix, end := models.TypingPath+"/", models.TypingPath+"0"
	flags, conversations, err := countTypingFlags(dbConn, prefix, end)
	if err != nil {
		return err
	}

	if opts.DryRun {
		fmt.Fprintf(out, "Dry-run successful. Database: %s\n", opts.DatabasePath)
		fmt.Fprintf(out, "Would remove %d typing flags across %d conversations.\n", flags, conversations)
		if _, err := dbConn.Exec("ROLLBACK"); err != nil {
			return fmt.Errorf("failed to finish dry-run rollback: %w", err)
		}
		inTx = false
		return nil
	}

	if _, err := dbConn.Exec("DELETE FROM nodes WHERE path = ? OR (path > ? AND path < ?)", models.TypingPath, prefix, end); err != nil {
		return fmt.Errorf("failed to remove typing flags: %w", err)
	}

	remaining, _, err := countTypingFlags(dbConn, prefix, end)
	if err != nil {
		return err
	}
	if remaining != 0 {
		return fmt.Errorf("typing flags remain after purge: %d", remaining)
	}

	if _, err := dbConn.Exec("COMMIT"); err != nil {
		return fmt.Errorf("failed to commit purge: %w", err)
	}
	inTx = false

	fmt.Fprintf(out, "Purge completed. Database: %s\n", opts.DatabasePath)
	fmt.Fprintf(out, "Removed %d typing flags across %d conversations.\n", flags, conversations)
	return nil
}

func nodesTableExists(q *sql.DB) (bool, error) {
	var n int
	if err := q.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'nodes'").Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func countTypingFlags(q *sql.DB, prefix, end string) (int64, int64, error) {
	start := len(prefix) + 1
	var flags, conversations int64
	err := q.QueryRow(`
		SELECT COUNT(*), COUNT(DISTINCT substr(path, ?, instr(substr(path, ?), '/') - 1))
		FROM nodes WHERE path > ? AND path < ?`,
		start, start, prefix, end,
	).Scan(&flags, &conversations)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count typing flags: %w", err)
	}
	return flags, conversations, nil
}
