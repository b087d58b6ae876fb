package run

import (
	"strings"
	"testing"
)

func TestEmbeddedMigrationsDefineRunSchema(t *testing.T) {
	files, err := loadMigrationFiles()
	if err != nil {
		t.Fatalf("load migration files: %v", err)
	}
	if len(files) == 0 {
		t.Fatalf("expected at least one embedded migration")
	}
	for i := 1; i < len(files); i++ {
		if files[i-1].version > files[i].version {
			t.Fatalf("migrations out of order: %s before %s", files[i-1].name, files[i].name)
		}
	}

	first := files[0]
	if first.version != "0001" {
		t.Fatalf("unexpected first migration version: %s", first.version)
	}
	joined := strings.Join(first.statements, ";\n")
	if !strings.Contains(joined, "CREATE TABLE IF NOT EXISTS agent_runs") {
		t.Fatalf("first migration does not create agent_runs:\n%s", joined)
	}
	for _, column := range strings.Split(selectColumns, ", ") {
		if !strings.Contains(joined, column) {
			t.Fatalf("column %q queried by the store is missing from the migration", column)
		}
	}
}

func TestSplitSQLStatements(t *testing.T) {
	statements := splitSQLStatements("CREATE TABLE a (id INT);\n\nCREATE INDEX i ON a (id);\n;")
	if len(statements) != 2 {
		t.Fatalf("expected 2 statements, got %v", statements)
	}
	if statements[0] != "CREATE TABLE a (id INT)" {
		t.Fatalf("unexpected first statement: %q", statements[0])
	}
}

func TestParseMigrationVersion(t *testing.T) {
	cases := map[string]string{
		"0001_create_agent_runs.sql": "0001",
		"0002.sql":                   "0002",
		"standalone":                 "standalone",
	}
	for name, want := range cases {
		if got := parseMigrationVersion(name); got != want {
			t.Fatalf("parseMigrationVersion(%q) = %q, want %q", name, got, want)
		}
	}
}
