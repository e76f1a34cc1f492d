package sqldb

import (
	"path/filepath"
	"testing"
)

func TestRebind(t *testing.T) {
	pg := &DB{Dialect: Postgres}
	if got := pg.Rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Fatalf("postgres rebind: %q", got)
	}
	lite := &DB{Dialect: SQLite}
	if got := lite.Rebind("a = ?"); got != "a = ?" {
		t.Fatalf("sqlite rebind must be identity: %q", got)
	}
}

func TestEscapeLike(t *testing.T) {
	if got := EscapeLike(`a_b%c\d`); got != `a\_b\%c\\d` {
		t.Fatalf("escape: %q", got)
	}
}

func TestOpenDialects(t *testing.T) {
	db, err := Open("sqlite://:memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if db.Dialect != SQLite {
		t.Fatalf("dialect = %s", db.Dialect)
	}
	_ = db.Close()

	if _, err := Open("mysql://x"); err == nil {
		t.Fatal("expected unsupported DSN error")
	}
	if _, err := Open(""); err == nil {
		t.Fatal("expected empty DSN error")
	}
	if !IsSQL("/var/lib/deployr/history.db") || IsSQL("redis://localhost") {
		t.Fatal("IsSQL misclassified DSN")
	}
}

func TestOpenSQLiteWaitsOnLocks(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "busy.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = db.Close() }()

	var timeout int
	if err := db.QueryRow(`PRAGMA busy_timeout`).Scan(&timeout); err != nil {
		t.Fatalf("busy_timeout: %v", err)
	}
	if timeout != busyTimeoutMillis {
		t.Fatalf("busy_timeout = %d, want %d", timeout, busyTimeoutMillis)
	}
	var mode string
	if err := db.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode = %q", mode)
	}
}
