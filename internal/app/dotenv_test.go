package app

import (
	"os"
	"path/filepath"
	"testing"
)

func writeDotenv(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDotenvSetsVariables(t *testing.T) {
	path := writeDotenv(t, `
# comment
RECONDO_TEST_PLAIN=hello
export RECONDO_TEST_EXPORTED=world
RECONDO_TEST_QUOTED="with spaces\n"
RECONDO_TEST_SINGLE='raw $value'
`)
	for _, key := range []string{
		"RECONDO_TEST_PLAIN",
		"RECONDO_TEST_EXPORTED",
		"RECONDO_TEST_QUOTED",
		"RECONDO_TEST_SINGLE",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	if err := loadDotenv(path); err != nil {
		t.Fatal(err)
	}

	if got := os.Getenv("RECONDO_TEST_PLAIN"); got != "hello" {
		t.Fatalf("plain = %q", got)
	}
	if got := os.Getenv("RECONDO_TEST_EXPORTED"); got != "world" {
		t.Fatalf("exported = %q", got)
	}
	if got := os.Getenv("RECONDO_TEST_QUOTED"); got != "with spaces\n" {
		t.Fatalf("quoted = %q", got)
	}
	if got := os.Getenv("RECONDO_TEST_SINGLE"); got != "raw $value" {
		t.Fatalf("single = %q", got)
	}
}

func TestLoadDotenvDoesNotOverrideEnvironment(t *testing.T) {
	t.Setenv("RECONDO_TEST_WINNER", "from-env")

	path := writeDotenv(t, "RECONDO_TEST_WINNER=from-file\n")
	if err := loadDotenv(path); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("RECONDO_TEST_WINNER"); got != "from-env" {
		t.Fatalf("env var overridden: %q", got)
	}
}

func TestLoadDotenvRejectsMalformedLines(t *testing.T) {
	path := writeDotenv(t, "JUST_A_WORD\n")
	if err := loadDotenv(path); err == nil {
		t.Fatal("expected error for line without '='")
	}

	path = writeDotenv(t, "=no-key\n")
	if err := loadDotenv(path); err == nil {
		t.Fatal("expected error for empty key")
	}
}
