package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/harshul/octo/internal/monitor"

	_ "modernc.org/sqlite"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS port_reservations (
		port        INTEGER PRIMARY KEY,
		project     TEXT NOT NULL,
		reserved_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_port_reservations_project ON port_reservations(project)`,
	`CREATE TABLE IF NOT EXISTS processes (
		project    TEXT NOT NULL,
		pid        INTEGER NOT NULL,
		run_id     TEXT NOT NULL,
		command    TEXT NOT NULL,
		started_at TEXT NOT NULL,
		PRIMARY KEY (project, pid)
	)`,
}

func openState(path string) (*sql.DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize state database: %w", err)
		}
	}
	return db, nil
}

// ReservePorts assigns ports to name. Either every port is reserved or none
// is. Ports name already owns are left as they are.
func (s *FileStore) ReservePorts(name string, ports []int) error {
	if _, err := s.GetProject(name); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin reservation: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	seen := make(map[int]bool, len(ports))
	for _, port := range ports {
		if seen[port] {
			continue
		}
		seen[port] = true

		var owner string
		err := tx.QueryRow(`SELECT project FROM port_reservations WHERE port = ?`, port).Scan(&owner)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.Exec(`INSERT INTO port_reservations (port, project, reserved_at) VALUES (?, ?, ?)`, port, name, now); err != nil {
				return fmt.Errorf("failed to reserve port %d: %w", port, err)
			}
		case err != nil:
			return fmt.Errorf("failed to look up port %d: %w", port, err)
		case owner != name:
			return &PortReservedError{Port: port, Owner: owner, Requester: name}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reservation: %w", err)
	}
	return nil
}

// ReleasePorts drops name's reservations for ports, or all of them when
// ports is empty. Ports owned by other projects are not touched.
func (s *FileStore) ReleasePorts(name string, ports []int) error {
	if len(ports) == 0 {
		if _, err := s.db.Exec(`DELETE FROM port_reservations WHERE project = ?`, name); err != nil {
			return fmt.Errorf("failed to release ports of '%s': %w", name, err)
		}
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin release: %w", err)
	}
	defer tx.Rollback()

	for _, port := range ports {
		if _, err := tx.Exec(`DELETE FROM port_reservations WHERE port = ? AND project = ?`, port, name); err != nil {
			return fmt.Errorf("failed to release port %d: %w", port, err)
		}
	}
	return tx.Commit()
}

// GetReservedPorts returns the whole reservation table as port -> project.
func (s *FileStore) GetReservedPorts() (map[int]string, error) {
	rows, err := s.db.Query(`SELECT port, project FROM port_reservations`)
	if err != nil {
		return nil, fmt.Errorf("failed to read reservations: %w", err)
	}
	defer rows.Close()

	out := make(map[int]string)
	for rows.Next() {
		var port int
		var project string
		if err := rows.Scan(&port, &project); err != nil {
			return nil, err
		}
		out[port] = project
	}
	return out, rows.Err()
}

// RecordProcess stores a spawned process for project.
func (s *FileStore) RecordProcess(project string, rec monitor.ProcessRecord) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO processes (project, pid, run_id, command, started_at) VALUES (?, ?, ?, ?, ?)`,
		project, rec.PID, rec.RunID, rec.Command, rec.StartedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to record process %d: %w", rec.PID, err)
	}
	return nil
}

// Processes returns the recorded processes of project, oldest first.
func (s *FileStore) Processes(project string) ([]monitor.ProcessRecord, error) {
	all, err := s.queryProcesses(`SELECT project, pid, run_id, command, started_at FROM processes WHERE project = ?`, project)
	if err != nil {
		return nil, err
	}
	return all[project], nil
}

// AllProcesses returns every recorded process grouped by project.
func (s *FileStore) AllProcesses() (map[string][]monitor.ProcessRecord, error) {
	return s.queryProcesses(`SELECT project, pid, run_id, command, started_at FROM processes`)
}

// ForgetProcesses removes records. An empty pids slice removes all of
// project's records.
func (s *FileStore) ForgetProcesses(project string, pids []int) error {
	if len(pids) == 0 {
		_, err := s.db.Exec(`DELETE FROM processes WHERE project = ?`, project)
		return err
	}
	for _, pid := range pids {
		if _, err := s.db.Exec(`DELETE FROM processes WHERE project = ? AND pid = ?`, project, pid); err != nil {
			return fmt.Errorf("failed to forget process %d: %w", pid, err)
		}
	}
	return nil
}

func (s *FileStore) queryProcesses(query string, args ...any) (map[string][]monitor.ProcessRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read processes: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]monitor.ProcessRecord)
	for rows.Next() {
		var (
			project, startedAt string
			rec                monitor.ProcessRecord
		)
		if err := rows.Scan(&project, &rec.PID, &rec.RunID, &rec.Command, &startedAt); err != nil {
			return nil, err
		}
		rec.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		out[project] = append(out[project], rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, recs := range out {
		sort.Slice(recs, func(i, j int) bool { return recs[i].StartedAt.Before(recs[j].StartedAt) })
	}
	return out, nil
}
