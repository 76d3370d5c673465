package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/4xmen/hamgam/internal/models"
	"github.com/4xmen/hamgam/pkg/config"
)

type appStatus struct {
	GeneratedAt     time.Time
	Environment     string
	Port            string
	DatabasePath    string
	ServerURL       string
	Nodes           int64
	Messages        int64
	Users           int64
	Groups          int64
	TypingFlags     int64
	OnlineUsers     int64
	NodesLast24h    int64
	LatestUpdateAt  string
	DBSize          int64
	DBWALSize       int64
	DBSHMSize       int64
	DBMetricsReady  bool
	DBWarning       string
	StorageWarnings []string
}

type statusOptions struct {
	JSON bool
}

func parseStatusArgs(args []string) (statusOptions, error) {
	opts := statusOptions{}
	for _, arg := range args {
		switch arg {
		case "--json", "-j":
			opts.JSON = true
		default:
			return opts, fmt.Errorf("unknown status flag: %s", arg)
		}
	}
	return opts, nil
}

func runStatus(cfg *config.Config, out io.Writer, args []string) error {
	opts, err := parseStatusArgs(args)
	if err != nil {
		return err
	}

	status := collectStatus(cfg)
	if opts.JSON {
		return printStatusJSON(out, status)
	}
	printStatus(out, status)
	return nil
}

func collectStatus(cfg *config.Config) appStatus {
	status := appStatus{
		GeneratedAt:  time.Now(),
		Environment:  cfg.Environment,
		Port:         cfg.Port,
		DatabasePath: cfg.DatabasePath,
		ServerURL:    cfg.ServerURL,
	}

	if size, err := fileSize(cfg.DatabasePath); err == nil {
		status.DBSize = size
	} else {
		status.StorageWarnings = append(status.StorageWarnings, fmt.Sprintf("database file: %v", err))
	}

	if size, err := fileSize(cfg.DatabasePath + "-wal"); err == nil {
		status.DBWALSize = size
	}

	if size, err := fileSize(cfg.DatabasePath + "-shm"); err == nil {
		status.DBSHMSize = size
	}

	if _, err := os.Stat(cfg.DatabasePath); err != nil {
		status.DBWarning = fmt.Sprintf("database unavailable: %v", err)
		return status
	}

	dbConn, err := sql.Open("sqlite3", cfg.DatabasePath)
	if err != nil {
		status.DBWarning = fmt.Sprintf("database unavailable: %v", err)
		return status
	}
	defer dbConn.Close()

	if err := dbConn.Ping(); err != nil {
		status.DBWarning = fmt.Sprintf("database unavailable: %v", err)
		return status
	}

	if err := collectNodeStats(dbConn, &status); err != nil {
		status.DBWarning = fmt.Sprintf("could not read database stats: %v", err)
		return status
	}

	status.DBMetricsReady = true
	return status
}

func collectNodeStats(dbConn *sql.DB, status *appStatus) error {
	var err error
	if status.Nodes, err = queryInt64(dbConn, "SELECT COUNT(*) FROM nodes"); err != nil {
		return err
	}
	if status.Messages, err = countChildren(dbConn, models.MessagesPath); err != nil {
		return err
	}
	if status.Users, err = countChildren(dbConn, models.UsersPath); err != nil {
		return err
	}
	if status.Groups, err = countChildren(dbConn, models.GroupChatsPath); err != nil {
		return err
	}
	if status.TypingFlags, err = queryInt64(dbConn,
		"SELECT COUNT(*) FROM nodes WHERE path > ? AND path < ? AND value = 'true'",
		models.TypingPath+"/", models.TypingPath+"0"); err != nil {
		return err
	}
	if status.OnlineUsers, err = queryInt64(dbConn,
		"SELECT COUNT(*) FROM nodes WHERE path LIKE ? AND value = 'true'",
		models.UsersPath+"/%/is_online"); err != nil {
		return err
	}
	if status.NodesLast24h, err = queryInt64(dbConn,
		"SELECT COUNT(*) FROM nodes WHERE datetime(updated_at) >= datetime('now', '-1 day')"); err != nil {
		return err
	}
	if status.LatestUpdateAt, err = queryString(dbConn, "SELECT COALESCE(MAX(updated_at), '') FROM nodes"); err != nil {
		return err
	}
	return nil
}

// countChildren counts the distinct direct children stored under collection.
func countChildren(dbConn *sql.DB, collection string) (int64, error) {
	prefix := collection + "/"
	start := len(prefix) + 1
	return queryInt64(dbConn, `
		SELECT COUNT(DISTINCT CASE
			WHEN instr(substr(path, ?), '/') > 0 THEN substr(path, ?, instr(substr(path, ?), '/') - 1)
			ELSE substr(path, ?)
		END)
		FROM nodes WHERE path > ? AND path < ?`,
		start, start, start, start, prefix, collection+"0")
}

func queryInt64(db *sql.DB, query string, args ...any) (int64, error) {
	var value int64
	if err := db.QueryRow(query, args...).Scan(&value); err != nil {
		return 0, err
	}
	return value, nil
}

func queryString(db *sql.DB, query string, args ...any) (string, error) {
	var value string
	if err := db.QueryRow(query, args...).Scan(&value); err != nil {
		return "", err
	}
	return value, nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", path)
	}
	return info.Size(), nil
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func formatTimestamp(value string) string {
	if value == "" {
		return "n/a"
	}
	return value
}

func printStatus(out io.Writer, status appStatus) {
	totalDB := status.DBSize + status.DBWALSize + status.DBSHMSize

	fmt.Fprintln(out, "Hamgam Status")
	fmt.Fprintf(out, "Generated at: %s\n", status.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Environment : %s\n", status.Environment)
	fmt.Fprintf(out, "Port        : %s\n", status.Port)
	fmt.Fprintf(out, "Database    : %s\n", status.DatabasePath)
	fmt.Fprintf(out, "Server URL  : %s\n", status.ServerURL)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Data")
	if status.DBMetricsReady {
		fmt.Fprintf(out, "  Nodes             : %d\n", status.Nodes)
		fmt.Fprintf(out, "  Messages          : %d\n", status.Messages)
		fmt.Fprintf(out, "  Users             : %d\n", status.Users)
		fmt.Fprintf(out, "  Online users      : %d\n", status.OnlineUsers)
		fmt.Fprintf(out, "  Group chats       : %d\n", status.Groups)
		fmt.Fprintf(out, "  Typing flags      : %d\n", status.TypingFlags)
		fmt.Fprintf(out, "  Nodes last 24h    : %d\n", status.NodesLast24h)
		fmt.Fprintf(out, "  Latest update at  : %s\n", formatTimestamp(status.LatestUpdateAt))
	} else {
		fmt.Fprintln(out, "  Database metrics  : n/a")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Storage")
	fmt.Fprintf(out, "  DB file       : %s\n", formatBytes(status.DBSize))
	fmt.Fprintf(out, "  DB WAL file   : %s\n", formatBytes(status.DBWALSize))
	fmt.Fprintf(out, "  DB SHM file   : %s\n", formatBytes(status.DBSHMSize))
	fmt.Fprintf(out, "  DB footprint  : %s\n", formatBytes(totalDB))

	if status.DBWarning != "" {
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Warning: %s\n", status.DBWarning)
	}

	if len(status.StorageWarnings) > 0 {
		fmt.Fprintln(out)
		for _, warning := range status.StorageWarnings {
			fmt.Fprintf(out, "Warning: %s\n", warning)
		}
	}
}

func printStatusJSON(out io.Writer, status appStatus) error {
	footprint := status.DBSize + status.DBWALSize + status.DBSHMSize
	payload := map[string]any{
		"generated_at":  status.GeneratedAt.Format(time.RFC3339),
		"environment":   status.Environment,
		"port":          status.Port,
		"database_path": status.DatabasePath,
		"server_url":    status.ServerURL,
		"metrics_ready": status.DBMetricsReady,
		"metrics": map[string]any{
			"nodes":            status.Nodes,
			"messages":         status.Messages,
			"users":            status.Users,
			"online_users":     status.OnlineUsers,
			"group_chats":      status.Groups,
			"typing_flags":     status.TypingFlags,
			"nodes_last_24h":   status.NodesLast24h,
			"latest_update_at": formatTimestamp(status.LatestUpdateAt),
		},
		"storage": map[string]any{
			"db_file_bytes":      status.DBSize,
			"db_wal_bytes":       status.DBWALSize,
			"db_shm_bytes":       status.DBSHMSize,
			"db_footprint_bytes": footprint,
			"db_file_hum":        formatBytes(status.DBSize),
			"db_footprint_hum":   formatBytes(footprint),
		},
		"warnings": map[string]any{
			"database": status.DBWarning,
			"storage":  status.StorageWarnings,
		},
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}
