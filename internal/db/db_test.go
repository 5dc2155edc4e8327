package db

import (
	"strings"
	"testing"

	"github.com/zulandar/interviewer/internal/models"
)

func TestMySQLDSN_SetsParseTime(t *testing.T) {
	got, err := MySQLDSN("iv:pw@tcp(db.internal:3306)/interviews")
	if err != nil {
		t.Fatalf("MySQLDSN: %v", err)
	}
	if !strings.Contains(got, "parseTime=true") {
		t.Errorf("MySQLDSN = %q, want parseTime=true", got)
	}
	if !strings.Contains(got, "tcp(db.internal:3306)/interviews") {
		t.Errorf("MySQLDSN = %q, want address and database preserved", got)
	}
}

func TestMySQLDSN_Invalid(t *testing.T) {
	_, err := MySQLDSN("not a dsn")
	if err == nil {
		t.Fatal("expected error for invalid dsn")
	}
	if !strings.Contains(err.Error(), "db: parse mysql dsn") {
		t.Errorf("error = %q, want db: parse mysql dsn prefix", err)
	}
}

func TestConnect_UnsupportedDriver(t *testing.T) {
	_, err := Connect("postgres", "host=x")
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if !strings.Contains(err.Error(), `unsupported driver "postgres"`) {
		t.Errorf("error = %q", err)
	}
}

func TestConnect_SQLiteAndMigrate(t *testing.T) {
	gdb, err := Connect("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	for _, m := range []interface{}{&models.Interview{}, &models.TranscriptEntry{}} {
		if !gdb.Migrator().HasTable(m) {
			t.Errorf("table for %T not created", m)
		}
	}
}

func TestAllModels_Count(t *testing.T) {
	if got := len(AllModels()); got != 2 {
		t.Errorf("AllModels() returned %d models, want 2", got)
	}
}
