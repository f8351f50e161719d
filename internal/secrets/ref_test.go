package secrets

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadRefEnv(t *testing.T) {
	t.Setenv("RECONDO_TEST_SECRET", "top-secret")

	got, err := LoadRef("env:RECONDO_TEST_SECRET")
	if err != nil {
		t.Fatalf("LoadRef(env): %v", err)
	}
	if string(got) != "top-secret" {
		t.Fatalf("unexpected env secret: %q", got)
	}

	if _, err := LoadRef("env:RECONDO_TEST_SECRET_MISSING"); !errors.Is(err, ErrSecretRef) {
		t.Fatalf("missing env err=%v, want ErrSecretRef", err)
	}
}

func TestLoadRefFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(path, []byte("  file-secret \n"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	got, err := LoadRef("file:" + path)
	if err != nil {
		t.Fatalf("LoadRef(file): %v", err)
	}
	if string(got) != "file-secret" {
		t.Fatalf("unexpected file secret: %q", got)
	}
}

func TestLoadRefRaw(t *testing.T) {
	got, err := LoadRef("raw:raw-secret")
	if err != nil {
		t.Fatalf("LoadRef(raw): %v", err)
	}
	if string(got) != "raw-secret" {
		t.Fatalf("unexpected raw secret: %q", got)
	}
}

func TestLoadRefRejectsBadRefs(t *testing.T) {
	for _, ref := range []string{"", "env:", "file:", "raw:", "vault:secret/path", "plain-value"} {
		if _, err := LoadRef(ref); !errors.Is(err, ErrSecretRef) {
			t.Fatalf("LoadRef(%q) err=%v, want ErrSecretRef", ref, err)
		}
	}
}
