package duckdb_test

import "testing"

// TestSchemaObjectsExist verifies core tables and views are created.
func TestSchemaObjectsExist(t *testing.T) {
	db, ctx := openTestDB(t)
	for _, table := range []string{"runs", "questions", "preflight_steps", "issues", "citations"} {
		count := queryInt(t, ctx, db, "SELECT COUNT(*) FROM information_schema.tables WHERE table_name = ?", table)
		if count != 1 {
			t.Fatalf("expected table %s to exist", table)
		}
	}
	viewCount := queryInt(t, ctx, db, "SELECT COUNT(*) FROM information_schema.tables WHERE table_name = 'v_question_outcomes' AND table_type = 'VIEW'")
	if viewCount != 1 {
		t.Fatalf("expected view v_question_outcomes to exist")
	}
}
