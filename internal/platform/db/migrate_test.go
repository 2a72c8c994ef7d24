package db

import (
	"context"
	"testing"
	"testing/fstest"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"002_billing.sql":    {Data: []byte("CREATE TABLE claims (id UUID PRIMARY KEY);")},
		"001_scheduling.sql": {Data: []byte("CREATE TABLE appointments (id UUID PRIMARY KEY);")},
		"010_audit.sql":      {Data: []byte("CREATE TABLE audit_log (id UUID PRIMARY KEY);")},
		"README.md":          {Data: []byte("not a migration")},
		"notes.sql":          {Data: []byte("SELECT 1;")},
		"abc_bad.sql":        {Data: []byte("SELECT 1;")},
	}
}

func TestLoadMigrations(t *testing.T) {
	migrator := NewMigrator(nil, testMigrations())
	migrations, err := migrator.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}

	wantVersions := []int{1, 2, 10}
	for i, v := range wantVersions {
		if migrations[i].Version != v {
			t.Errorf("migration %d: expected version %d, got %d", i, v, migrations[i].Version)
		}
	}
	if migrations[0].Name != "001_scheduling.sql" {
		t.Errorf("expected name 001_scheduling.sql, got %s", migrations[0].Name)
	}
	if migrations[0].SQL != "CREATE TABLE appointments (id UUID PRIMARY KEY);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
}

func TestLoadMigrations_Empty(t *testing.T) {
	migrator := NewMigrator(nil, fstest.MapFS{})
	migrations, err := migrator.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("expected 0 migrations, got %d", len(migrations))
	}
}

func TestMigrator_UpSkipsApplied(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS _migrations").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery("SELECT version, applied_at FROM _migrations").
		WillReturnRows(pgxmock.NewRows([]string{"version", "applied_at"}).AddRow(1, time.Now()))

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE claims").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("INSERT INTO _migrations").WithArgs(2, "002_billing.sql").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE audit_log").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("INSERT INTO _migrations").WithArgs(10, "010_audit.sql").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := NewMigrator(mock, testMigrations()).Up(context.Background())
	if err != nil {
		t.Fatalf("Up() error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 applied, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestMigrator_UpToStopsAtTarget(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS _migrations").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery("SELECT version, applied_at FROM _migrations").
		WillReturnRows(pgxmock.NewRows([]string{"version", "applied_at"}))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE appointments").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("INSERT INTO _migrations").WithArgs(1, "001_scheduling.sql").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := NewMigrator(mock, testMigrations()).UpTo(context.Background(), 1)
	if err != nil {
		t.Fatalf("UpTo() error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 applied, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestMigrator_Status(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	appliedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS _migrations").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery("SELECT version, applied_at FROM _migrations").
		WillReturnRows(pgxmock.NewRows([]string{"version", "applied_at"}).AddRow(1, appliedAt))

	statuses, err := NewMigrator(mock, testMigrations()).Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if len(statuses) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].AppliedAt == nil || !statuses[0].AppliedAt.Equal(appliedAt) {
		t.Errorf("expected migration 1 applied at %v, got %+v", appliedAt, statuses[0])
	}
	if statuses[1].Applied || statuses[2].Applied {
		t.Error("expected migrations 2 and 10 to be pending")
	}
}
