// transfer.go implements whole-database export and import.
//
// Export checkpoints the WAL and streams the SQLite file. Import validates
// the SQLite magic, keeps a timestamped backup of the current file, swaps
// the upload into place and reopens the store.

package database

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"time"
)

// MaxImportSize caps uploaded database files at 1 GiB.
const MaxImportSize = 1 << 30

var sqliteMagic = []byte("SQLite format 3\x00")

// Export streams the SQLite database file to w.
func Export(dbPath string, w io.Writer) error {
	if err := Checkpoint(); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	f, err := os.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("stream database: %w", err)
	}
	return nil
}

// Import replaces the live database with the uploaded file. The previous
// file is preserved with a .migration-backup-<ts> suffix.
func Import(dbPath string, r io.Reader) error {
	tmp, err := os.CreateTemp("", "termix-import-*.sqlite")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, io.LimitReader(r, MaxImportSize+1))
	if err != nil {
		tmp.Close()
		return fmt.Errorf("read upload: %w", err)
	}
	tmp.Close()
	if n > MaxImportSize {
		return fmt.Errorf("upload exceeds %d byte limit", MaxImportSize)
	}

	head := make([]byte, len(sqliteMagic))
	f, err := os.Open(tmp.Name())
	if err != nil {
		return fmt.Errorf("reopen temp file: %w", err)
	}
	_, err = io.ReadFull(f, head)
	f.Close()
	if err != nil || !bytes.Equal(head, sqliteMagic) {
		return fmt.Errorf("upload is not a SQLite database")
	}

	if err := Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}

	backup := fmt.Sprintf("%s.migration-backup-%d", dbPath, time.Now().Unix())
	if err := os.Rename(dbPath, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("backup current database: %w", err)
	}
	log.Printf("[database] previous database backed up to %s", backup)

	data, err := os.ReadFile(tmp.Name())
	if err != nil {
		return fmt.Errorf("read temp file: %w", err)
	}
	if err := os.WriteFile(dbPath, data, 0600); err != nil {
		return fmt.Errorf("install imported database: %w", err)
	}

	if err := InitAt(dbPath); err != nil {
		return fmt.Errorf("reopen imported database: %w", err)
	}
	log.Printf("[database] imported database (%d bytes)", n)
	return nil
}
