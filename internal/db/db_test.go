package db

import "testing"

func TestRebind(t *testing.T) {
	q := `SELECT * FROM punches WHERE task_id=? AND punch_key LIKE ?`
	if got := SQLite.Rebind(q); got != q {
		t.Fatalf("sqlite rebind changed query: %s", got)
	}
	want := `SELECT * FROM punches WHERE task_id=$1 AND punch_key LIKE $2`
	if got := Postgres.Rebind(q); got != want {
		t.Fatalf("postgres rebind = %s", got)
	}
}

func TestOpenSQLiteCreatesWorkspace(t *testing.T) {
	dir := t.TempDir()
	conn, dialect, err := Open(Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if dialect != SQLite {
		t.Fatalf("dialect = %s", dialect)
	}
	if err := conn.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, _, err := Open(Config{Driver: "oracle"}); err == nil {
		t.Fatalf("expected error")
	}
}
