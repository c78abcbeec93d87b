package main

import (
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"testing"
)

func TestNewEmbeddedMigrationSupport(t *testing.T) {
	support := NewEmbeddedMigrationSupport("/valid/path/to/migrations")
	if support == nil {
		t.Fatal("expected non-nil EmbeddedMigrationSupport instance")
	}
	if support.migrationsPath != "/valid/path/to/migrations" {
		t.Errorf("expected migrationsPath to be set, got %q", support.migrationsPath)
	}
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()

	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("failed to create test file %s: %v", name, err)
		}
	}
}

func TestListEmbeddedMigrations(t *testing.T) {
	tests := []struct {
		name     string
		files    map[string]string
		expected []string
	}{
		{
			name: "SQL files only",
			files: map[string]string{
				"001_initial.up.sql":   "-- up",
				"001_initial.down.sql": "-- down",
				"002_users.up.sql":     "-- up",
			},
			expected: []string{"001_initial.up.sql", "001_initial.down.sql", "002_users.up.sql"},
		},
		{
			name: "mixed file types ignores non-migration files",
			files: map[string]string{
				"001_test.up.sql":   "-- sql",
				"002_test.down.sql": "-- sql",
				"README.md":         "# docs",
				"script.sh":         "#!/bin/bash",
			},
			expected: []string{"001_test.up.sql", "002_test.down.sql"},
		},
		{
			name:     "empty directory",
			files:    map[string]string{},
			expected: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tempDir := t.TempDir()
			writeFiles(t, tempDir, tt.files)

			support := NewEmbeddedMigrationSupport(tempDir)
			result, err := support.ListEmbeddedMigrations()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			sort.Strings(result)
			expectedSorted := append([]string(nil), tt.expected...)
			sort.Strings(expectedSorted)

			if len(result) == 0 && len(expectedSorted) == 0 {
				return
			}

			if !reflect.DeepEqual(result, expectedSorted) {
				t.Errorf("expected files %v, got %v", expectedSorted, result)
			}
		})
	}

	t.Run("non-existent directory", func(t *testing.T) {
		support := NewEmbeddedMigrationSupport("/non/existent/directory")
		if _, err := support.ListEmbeddedMigrations(); err == nil {
			t.Fatal("expected error, got nil")
		}
	})
}

func TestValidateEmbeddedMigrations(t *testing.T) {
	tests := []struct {
		name          string
		files         map[string]string
		expectError   bool
		errorContains string
	}{
		{
			name: "valid paired migrations",
			files: map[string]string{
				"001_initial.up.sql":   "CREATE TABLE sync_queue (id INTEGER);",
				"001_initial.down.sql": "DROP TABLE sync_queue;",
				"002_ledger.up.sql":    "CREATE TABLE sync_log (id INTEGER);",
				"002_ledger.down.sql":  "DROP TABLE sync_log;",
			},
		},
		{
			name:          "no SQL files",
			files:         map[string]string{"README.txt": "docs"},
			expectError:   true,
			errorContains: "no migration files found",
		},
		{
			name: "orphaned down migration",
			files: map[string]string{
				"001_initial.up.sql":  "CREATE TABLE users (id INTEGER);",
				"002_posts.up.sql":    "CREATE TABLE posts (id INTEGER);",
				"002_posts.down.sql":  "DROP TABLE posts;",
				"003_orphan.down.sql": "DROP TABLE orphan;",
			},
			expectError:   true,
			errorContains: "orphaned",
		},
		{
			name: "gap in migration sequence",
			files: map[string]string{
				"001_first.up.sql":   "CREATE TABLE first (id INTEGER);",
				"001_first.down.sql": "DROP TABLE first;",
				"003_third.up.sql":   "CREATE TABLE third (id INTEGER);",
				"003_third.down.sql": "DROP TABLE third;",
			},
			expectError:   true,
			errorContains: "gap in migration sequence",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tempDir := t.TempDir()
			writeFiles(t, tempDir, tt.files)

			support := NewEmbeddedMigrationSupport(tempDir)
			err := support.ValidateEmbeddedMigrations()

			if tt.expectError {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if tt.errorContains != "" && !strings.Contains(err.Error(), tt.errorContains) {
					t.Errorf("expected error containing %q, got %q", tt.errorContains, err.Error())
				}
				return
			}

			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}

	t.Run("non-existent directory", func(t *testing.T) {
		support := NewEmbeddedMigrationSupport("/non/existent/directory")
		err := support.ValidateEmbeddedMigrations()
		if err == nil || !strings.Contains(err.Error(), "migrations directory does not exist") {
			t.Errorf("expected 'directory does not exist' error, got: %v", err)
		}
	})

	t.Run("SQL syntax is not validated, left to the database engine", func(t *testing.T) {
		tempDir := t.TempDir()
		writeFiles(t, tempDir, map[string]string{
			"001_invalid.up.sql":   "CREATE INVALID SQL SYNTAX HERE;",
			"001_invalid.down.sql": "DROP TABLE invalid;",
		})

		support := NewEmbeddedMigrationSupport(tempDir)
		if err := support.ValidateEmbeddedMigrations(); err != nil {
			t.Errorf("validation should pass despite invalid SQL syntax, got: %v", err)
		}
	})

	t.Run("checksum mismatch after a file is modified post-validation", func(t *testing.T) {
		tempDir := t.TempDir()
		writeFiles(t, tempDir, map[string]string{
			"001_initial.up.sql":   "CREATE TABLE users (id INTEGER);",
			"001_initial.down.sql": "DROP TABLE users;",
		})

		support := NewEmbeddedMigrationSupport(tempDir)
		if err := support.ValidateEmbeddedMigrations(); err != nil {
			t.Fatalf("initial validation failed: %v", err)
		}

		writeFiles(t, tempDir, map[string]string{
			"001_initial.up.sql": "CREATE TABLE users (id INTEGER, email VARCHAR(255));",
		})

		err := support.ValidateEmbeddedMigrations()
		if err == nil || !strings.Contains(err.Error(), "checksum") {
			t.Errorf("expected checksum mismatch error, got: %v", err)
		}
	})
}

func TestGetEmbeddedMigrationContent(t *testing.T) {
	tempDir := t.TempDir()
	content := "CREATE TABLE sync_queue (\n    id BIGSERIAL PRIMARY KEY\n);"
	writeFiles(t, tempDir, map[string]string{"001_initial.up.sql": content})

	support := NewEmbeddedMigrationSupport(tempDir)

	got, err := support.GetEmbeddedMigrationContent("001_initial.up.sql")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != content {
		t.Errorf("expected content %q, got %q", content, string(got))
	}

	if _, err := support.GetEmbeddedMigrationContent("missing.sql"); err == nil {
		t.Error("expected error reading a non-existent migration file")
	}
}

func TestEmbeddedMigrationSupportIntegration(t *testing.T) {
	tempDir := t.TempDir()

	migrations := map[string]string{
		"001_sync_queue.up.sql":   "CREATE TABLE sync_queue (id BIGSERIAL PRIMARY KEY);",
		"001_sync_queue.down.sql": "DROP TABLE sync_queue;",
		"002_sync_log.up.sql":     "CREATE TABLE sync_log (id BIGSERIAL PRIMARY KEY);",
		"002_sync_log.down.sql":   "DROP TABLE sync_log;",
	}
	writeFiles(t, tempDir, migrations)
	writeFiles(t, tempDir, map[string]string{"README.md": "# migrations"})

	support := NewEmbeddedMigrationSupport(tempDir)

	if err := support.ValidateEmbeddedMigrations(); err != nil {
		t.Fatalf("validation failed: %v", err)
	}

	files, err := support.ListEmbeddedMigrations()
	if err != nil {
		t.Fatalf("failed to list migrations: %v", err)
	}

	expected := make([]string, 0, len(migrations))
	for name := range migrations {
		expected = append(expected, name)
	}

	sort.Strings(files)
	sort.Strings(expected)

	if !reflect.DeepEqual(files, expected) {
		t.Errorf("expected files %v, got %v", expected, files)
	}

	fsys := support.GetEmbeddedMigrations()
	for name := range migrations {
		f, err := fsys.Open(name)
		if err != nil {
			t.Errorf("failed to open %s from fs.FS: %v", name, err)
			continue
		}
		f.Close()
	}
}
