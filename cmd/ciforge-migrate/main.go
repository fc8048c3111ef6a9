package main

import (
	"encoding/json"
	"flag"
	"io"
	"log"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/ciforge/pkg/types"
)

var (
	dataDir    = flag.String("data-dir", "./ciforge-data", "ciforge data directory")
	backupPath = flag.String("backup", "", "Path to back up the database before inspecting (default: <data-dir>/ciforge.db.backup)")
	skipBackup = flag.Bool("no-backup", false, "Skip creating a backup before inspecting")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("ciforge database inspection tool")
	log.Println("=================================")

	dbPath := filepath.Join(*dataDir, "ciforge.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("database not found at %s", dbPath)
	}
	log.Printf("database: %s", dbPath)

	if !*skipBackup {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		log.Printf("creating backup: %s", backupFile)
		if err := copyFile(dbPath, backupFile); err != nil {
			log.Fatalf("failed to create backup: %v", err)
		}
		log.Println("backup created")
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{ReadOnly: true})
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	if err := inspect(db); err != nil {
		log.Fatalf("inspection failed: %v", err)
	}
}

// inspect prints a bucket-size summary and a job status histogram, the
// two things an operator needs to sanity-check a ciforge database
// without a running server.
func inspect(db *bolt.DB) error {
	return db.View(func(tx *bolt.Tx) error {
		log.Println()
		log.Println("bucket sizes:")
		err := tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			count := 0
			b.ForEach(func(k, v []byte) error {
				count++
				return nil
			})
			log.Printf("  %-25s %d entries", string(name), count)
			return nil
		})
		if err != nil {
			return err
		}

		jobsBucket := tx.Bucket([]byte("jobs"))
		if jobsBucket == nil {
			return nil
		}

		histogram := map[types.JobStatus]int{}
		var unparseable int
		err = jobsBucket.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				unparseable++
				return nil
			}
			histogram[job.Status]++
			return nil
		})
		if err != nil {
			return err
		}

		log.Println()
		log.Println("job status histogram:")
		for _, status := range []types.JobStatus{
			types.JobStatusQueued,
			types.JobStatusRunning,
			types.JobStatusCompleted,
			types.JobStatusFailed,
			types.JobStatusCancelled,
		} {
			log.Printf("  %-12s %d", status, histogram[status])
		}
		if unparseable > 0 {
			log.Printf("  %-12s %d", "unparseable", unparseable)
		}
		return nil
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	if err != nil {
		return err
	}
	return out.Sync()
}
