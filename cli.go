package main

import (
	"context"
	"fmt"
	"os"

	"kdbusd/internal/audit"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("kdbusd %s\n", Version)
		return true
	case "denials":
		return cliDenials(args[1:], dbPath)
	case "names":
		return cliNames(args[1:], dbPath)
	case "backup":
		return cliBackup(args[1:], dbPath)
	default:
		return false
	}
}

func openAudit(dbPath string) *audit.Store {
	st, err := audit.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	return st
}

func cliDenials(args []string, dbPath string) bool {
	st := openAudit(dbPath)
	defer st.Close()

	limit := 50
	if len(args) > 0 {
		if _, err := fmt.Sscanf(args[0], "%d", &limit); err != nil {
			fmt.Fprintf(os.Stderr, "Usage: kdbusd denials [limit]\n")
			os.Exit(1)
		}
	}

	rows, err := st.RecentDenials(context.Background(), limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(rows) == 0 {
		fmt.Println("No policy denials recorded.")
		return true
	}
	for _, d := range rows {
		fmt.Printf("  %s  %-4s %-40s uid=%d gid=%d\n",
			d.At.Format("2006-01-02 15:04:05"), d.Verb, d.Object, d.UID, d.GID)
	}
	return true
}

func cliNames(args []string, dbPath string) bool {
	st := openAudit(dbPath)
	defer st.Close()

	name := ""
	if len(args) > 0 {
		name = args[0]
	}

	rows, err := st.NameHistory(context.Background(), name, 100)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(rows) == 0 {
		fmt.Println("No name transitions recorded.")
		return true
	}
	for _, t := range rows {
		fmt.Printf("  %s  %-40s %-8s conn=%d\n",
			t.At.Format("2006-01-02 15:04:05"), t.Name, t.Event, t.ConnID)
	}
	return true
}

func cliBackup(args []string, dbPath string) bool {
	st := openAudit(dbPath)
	defer st.Close()

	outPath := "kdbusd-backup.db"
	if len(args) > 0 {
		outPath = args[0]
	}

	if err := st.Backup(outPath); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database backed up to %s\n", outPath)
	return true
}
