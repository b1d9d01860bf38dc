// Command statetool backs up and restores the orchestrator's SQLite state
// store (plans, steps, routes, learning, events) outside of the running
// process: generic file-copy backup/restore with integrity checks and an
// automatic safety backup with rollback on failure.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// stateTables are checked for row counts during integrity verification;
// a missing table is reported, not treated as a failure, since a backup
// taken before a later migration may predate a newer table.
var stateTables = []string{"plans", "steps", "routes", "learning", "events", "capabilities"}

func main() {
	var (
		backupPath = flag.String("backup", "", "backup file path (required)")
		dbPath     = flag.String("db", "", "target database path (required)")
		verify     = flag.Bool("verify", true, "verify restore integrity")
		dryRun     = flag.Bool("dry-run", false, "validate backup without actually restoring")
		force      = flag.Bool("force", false, "overwrite existing database")
	)
	flag.Parse()

	if *backupPath == "" {
		die("--backup path is required")
	}
	if *dbPath == "" {
		die("--db path is required")
	}

	*backupPath = expandPath(*backupPath)
	*dbPath = expandPath(*dbPath)

	fmt.Printf("orchestra state tool\n")
	fmt.Printf("Backup: %s\n", *backupPath)
	fmt.Printf("Target: %s\n", *dbPath)

	if _, err := os.Stat(*backupPath); os.IsNotExist(err) {
		die("backup file does not exist: %s", *backupPath)
	}

	fmt.Printf("Verifying backup integrity...\n")
	backupInfo, err := verifyBackupIntegrity(*backupPath)
	if err != nil {
		die("backup verification failed: %v", err)
	}
	fmt.Printf("Backup verification passed: %v\n", backupInfo)

	if *dryRun {
		fmt.Printf("dry run completed, backup is valid\n")
		return
	}

	if _, err := os.Stat(*dbPath); err == nil && !*force {
		die("target database exists (use --force to overwrite): %s", *dbPath)
	}

	if err := os.MkdirAll(filepath.Dir(*dbPath), 0o755); err != nil {
		die("create target directory: %v", err)
	}

	var safetyBackup string
	if _, err := os.Stat(*dbPath); err == nil {
		safetyBackup = *dbPath + ".pre-restore-" + time.Now().Format("20060102-150405")
		fmt.Printf("Creating safety backup: %s\n", safetyBackup)
		if err := copyFile(*dbPath, safetyBackup); err != nil {
			die("create safety backup: %v", err)
		}
	}

	fmt.Printf("Restoring database...\n")
	start := time.Now()

	if err := performRestore(*backupPath, *dbPath); err != nil {
		if safetyBackup != "" {
			fmt.Printf("Restore failed, attempting rollback...\n")
			if rollbackErr := copyFile(safetyBackup, *dbPath); rollbackErr != nil {
				die("restore failed AND rollback failed: %v (original error: %v)", rollbackErr, err)
			}
			fmt.Printf("Rollback completed\n")
		}
		die("restore failed: %v", err)
	}

	duration := time.Since(start)
	fmt.Printf("Restore completed in %v\n", duration)

	if *verify {
		fmt.Printf("Verifying restored database...\n")
		if err := verifyRestoredDatabase(*dbPath); err != nil {
			die("restored database verification failed: %v", err)
		}
		fmt.Printf("Restored database verification successful\n")
	}

	if safetyBackup != "" {
		if err := os.Remove(safetyBackup); err != nil {
			fmt.Printf("warning: could not clean up safety backup %s: %v\n", safetyBackup, err)
		} else {
			fmt.Printf("Safety backup cleaned up\n")
		}
	}

	fmt.Printf("restore completed successfully\n")
}

func verifyBackupIntegrity(backupPath string) (map[string]interface{}, error) {
	db, err := sql.Open("sqlite", backupPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open backup: %v", err)
	}
	defer db.Close()

	info := make(map[string]interface{})

	var integrityResult string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&integrityResult); err != nil {
		return nil, fmt.Errorf("integrity check: %v", err)
	}
	if integrityResult != "ok" {
		return nil, fmt.Errorf("integrity check failed: %s", integrityResult)
	}
	info["integrity"] = "ok"

	counts := make(map[string]int)
	for _, table := range stateTables {
		var count int
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s", table)
		if err := db.QueryRow(query).Scan(&count); err != nil {
			counts[table] = -1
		} else {
			counts[table] = count
		}
	}
	info["table_counts"] = counts

	var schemaVersion int
	if err := db.QueryRow("PRAGMA schema_version").Scan(&schemaVersion); err == nil {
		info["schema_version"] = schemaVersion
	}

	return info, nil
}

func performRestore(backupPath, dbPath string) error {
	return copyFile(backupPath, dbPath)
}

func verifyRestoredDatabase(dbPath string) error {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("open restored db: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping restored db: %v", err)
	}

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %v", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}

	for _, table := range stateTables {
		var count int
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s", table)
		if err := db.QueryRow(query).Scan(&count); err != nil {
			fmt.Printf("warning: could not query %s: %v\n", table, err)
		} else {
			fmt.Printf("restored table %s: %d rows\n", table, count)
		}
	}

	return nil
}

func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %v", err)
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create destination: %v", err)
	}
	defer dstFile.Close()

	buf := make([]byte, 1024*1024)
	for {
		n, err := srcFile.Read(buf)
		if n > 0 {
			if _, err := dstFile.Write(buf[:n]); err != nil {
				return fmt.Errorf("write: %v", err)
			}
		}
		if err != nil {
			if err.Error() == "EOF" {
				break
			}
			return fmt.Errorf("read: %v", err)
		}
	}

	return dstFile.Sync()
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

func die(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
