package store

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

func TestCoreMigrationEnforcesSingleIdentityRow(t *testing.T) {
	migrationPath := filepath.Join("..", "..", "db", "migrations", "0001_core.up.sql")
	sqlBytes, err := os.ReadFile(migrationPath)
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sqlText := string(sqlBytes)

	expectedSnippets := []string{
		"CONSTRAINT uq_definition_identity UNIQUE (workspace_id, metric_key, submetric_key)",
		"CONSTRAINT uq_thread_scope UNIQUE (definition_id, scope, slide_id, bucket_type, bucket_value)",
		"CONSTRAINT uq_point_observation UNIQUE (definition_id, observed_at)",
		"CONSTRAINT uq_follow_up_number UNIQUE (workspace_id, number)",
		"CONSTRAINT uq_follow_up_identifier UNIQUE (workspace_id, identifier)",
	}
	for _, snippet := range expectedSnippets {
		if !strings.Contains(sqlText, snippet) {
			t.Fatalf("expected migration to contain %q", snippet)
		}
	}
}

// The identity and scope-key columns must be NOT NULL with '' defaults.
// Nullable columns would break the unique constraints above, because
// Postgres treats NULLs in a unique index as distinct from each other.
func TestCoreMigrationUsesEmptyStringSentinels(t *testing.T) {
	migrationPath := filepath.Join("..", "..", "db", "migrations", "0001_core.up.sql")
	sqlBytes, err := os.ReadFile(migrationPath)
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sqlText := string(sqlBytes)

	sentinelColumns := []string{"submetric_key", "slide_id", "bucket_type", "bucket_value"}
	for _, column := range sentinelColumns {
		pattern := regexp.MustCompile(column + `\s+TEXT NOT NULL DEFAULT ''`)
		if !pattern.MatchString(sqlText) {
			t.Fatalf("expected column %s to be declared NOT NULL DEFAULT ''", column)
		}
	}

	if !strings.Contains(sqlText, "CHECK (scope IN ('entity', 'point'))") {
		t.Fatal("expected thread scope check constraint")
	}
	if !strings.Contains(sqlText, "CHECK (status IN ('todo', 'in_progress', 'done', 'cancelled'))") {
		t.Fatal("expected follow-up status check constraint")
	}
}
