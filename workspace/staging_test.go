package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMaterializeAndDestroy(t *testing.T) {
	staging, err := NewStaging(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	dir, err := staging.Materialize(map[string][]byte{
		"server.py":        []byte("print('hi')"),
		"static/index.htm": []byte("<html></html>"),
	})
	if err != nil {
		t.Fatal(err)
	}

	contents, err := os.ReadFile(filepath.Join(dir, "server.py"))
	if err != nil {
		t.Fatal(err)
	}
	if string(contents) != "print('hi')" {
		t.Errorf("unexpected file contents: %q", contents)
	}
	if _, err := os.Stat(filepath.Join(dir, "static", "index.htm")); err != nil {
		t.Errorf("nested file not materialized: %v", err)
	}

	if err := staging.Destroy(dir); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("workspace still exists after Destroy")
	}
}

func TestMaterializeRejectsTraversal(t *testing.T) {
	staging, err := NewStaging(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	_, err = staging.Materialize(map[string][]byte{
		"../escape.txt": []byte("nope"),
	})
	if err == nil {
		t.Fatal("expected error for path traversal")
	}
}

func TestDestroyRefusesOutsideRoot(t *testing.T) {
	staging, err := NewStaging(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	other := t.TempDir()
	if err := staging.Destroy(other); err == nil {
		t.Error("expected refusal to destroy a path outside the root")
	}
	if _, statErr := os.Stat(other); statErr != nil {
		t.Error("outside directory was removed")
	}

	if err := staging.Destroy(""); err != nil {
		t.Errorf("empty path should be a no-op, got %v", err)
	}
}
