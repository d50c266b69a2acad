package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestVersionFromFile(t *testing.T) {
	tests := []struct {
		file    string
		want    int64
		wantErr bool
	}{
		{"001_init.up.sql", 1, false},
		{"012_branch_hashes.up.sql", 12, false},
		{"init.up.sql", 0, true},
		{"abc_init.up.sql", 0, true},
	}
	for _, tc := range tests {
		t.Run(tc.file, func(t *testing.T) {
			got, err := versionFromFile(tc.file)
			if (err != nil) != tc.wantErr {
				t.Fatalf("versionFromFile(%q) error = %v, wantErr %v", tc.file, err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("versionFromFile(%q) = %d, want %d", tc.file, got, tc.want)
			}
		})
	}
}

func TestMigrationFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"002_b.up.sql", "001_a.up.sql", "001_a.down.sql", "README.md"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "003_dir.up.sql"), 0o700); err != nil {
		t.Fatal(err)
	}

	got, err := migrationFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"001_a.up.sql", "002_b.up.sql"}, got); diff != "" {
		t.Errorf("migrationFiles() mismatch (-want +got):\n%s", diff)
	}
}
