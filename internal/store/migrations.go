package store

// runMigrations executes all database migrations.
func (s *Store) runMigrations() error {
	migrations := []string{
		// One row per task, finished columns filled in when its outcome is known.
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			mode TEXT NOT NULL CHECK(mode IN ('image', 'live')),
			source TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL DEFAULT '' CHECK(outcome IN ('', 'completed', 'canceled', 'failed')),
			result_path TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			finished_at DATETIME
		)`,

		`CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_mode ON tasks(mode)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	return nil
}
