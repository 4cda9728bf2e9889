package session

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/vango-dev/duet/pkg/protocol"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newSQLiteStore(t *testing.T, opts ...SQLStoreOption) *SQLStore {
	t.Helper()
	opts = append([]SQLStoreOption{WithSQLDialect(DialectSQLite)}, opts...)
	store := NewSQLStore(openSQLite(t), opts...)
	if err := store.CreateTable(context.Background()); err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}
	return store
}

func TestSQLStore(t *testing.T) {
	testArchiveStore(t, newSQLiteStore(t))
}

func TestSQLStore_CustomTableName(t *testing.T) {
	store := newSQLiteStore(t, WithSQLTableName("custom_archive"))
	ctx := context.Background()

	if err := store.Append(ctx, "s", []protocol.Event{ev(1, `1`)}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := store.Complete(ctx, "s", []protocol.ChannelID{1}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	var n int
	if err := store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM custom_archive`).Scan(&n); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 event row, got %d", n)
	}
	if err := store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM custom_archive_trailers`).Scan(&n); err != nil {
		t.Fatalf("count trailers: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 trailer row, got %d", n)
	}
}

func TestSQLStore_SessionsAreIsolated(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	_ = store.Append(ctx, "a", []protocol.Event{ev(1, `"a1"`), ev(2, `"a2"`)})
	_ = store.Append(ctx, "b", []protocol.Event{ev(1, `"b1"`)})
	_ = store.Append(ctx, "a", []protocol.Event{ev(3, `"a3"`)})

	a, err := store.Read(ctx, "a")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(a.Events) != 3 || a.Events[2].Channel != 3 {
		t.Errorf("unexpected events for a: %+v", a.Events)
	}
	b, _ := store.Read(ctx, "b")
	if len(b.Events) != 1 {
		t.Errorf("unexpected events for b: %+v", b.Events)
	}
}

func TestSQLStore_Placeholders(t *testing.T) {
	pg := NewSQLStore(nil, WithSQLDialect(DialectPostgreSQL))
	if got := pg.placeholder(2); got != "$2" {
		t.Errorf("postgres placeholder = %q", got)
	}
	my := NewSQLStore(nil, WithSQLDialect(DialectMySQL))
	if got := my.placeholder(2); got != "?" {
		t.Errorf("mysql placeholder = %q", got)
	}
}

func TestParseSQLDialect(t *testing.T) {
	tests := []struct {
		name string
		want SQLDialect
	}{
		{"postgres", DialectPostgreSQL},
		{"mysql", DialectMySQL},
		{"sqlite", DialectSQLite},
	}
	for _, tt := range tests {
		got, err := ParseSQLDialect(tt.name)
		if err != nil || got != tt.want {
			t.Errorf("ParseSQLDialect(%q) = %v, %v", tt.name, got, err)
		}
	}
	if _, err := ParseSQLDialect("oracle"); err == nil || !strings.Contains(err.Error(), "oracle") {
		t.Errorf("expected unknown dialect error, got %v", err)
	}
}
