package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type fakeJournal struct{ resets, schemas int }

func (f *fakeJournal) Reset(context.Context) error        { f.resets++; return nil }
func (f *fakeJournal) EnsureSchema(context.Context) error { f.schemas++; return nil }

func withResetDirs(t *testing.T) (uploads, screenshots string) {
	t.Helper()
	old, oldYes := cfg, resetYes
	t.Cleanup(func() { cfg, resetYes = old, oldYes })

	root := t.TempDir()
	cfg.UploadDir = filepath.Join(root, "uploads")
	cfg.ScreenshotDir = filepath.Join(root, "screenshots")
	for _, dir := range []string{cfg.UploadDir, cfg.ScreenshotDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "a.jpg"), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	resetYes = true
	return cfg.UploadDir, cfg.ScreenshotDir
}

func TestRunReset(t *testing.T) {
	all := resetTargets{db: true, uploads: true, screenshots: true}
	noInput := func() *bufio.Reader { return bufio.NewReader(strings.NewReader("")) }

	t.Run("Without a database", func(t *testing.T) {
		uploads, screenshots := withResetDirs(t)
		var out bytes.Buffer
		if err := runReset(context.Background(), nil, all, noInput(), &out); err != nil {
			t.Fatalf("runReset() error = %v", err)
		}
		if !strings.Contains(out.String(), "skipping journal tables") {
			t.Errorf("skip not reported:\n%s", out.String())
		}
		for _, dir := range []string{uploads, screenshots} {
			if _, err := os.Stat(dir); !os.IsNotExist(err) {
				t.Errorf("%s still exists", dir)
			}
		}
	})

	t.Run("Explicit --db without a database", func(t *testing.T) {
		uploads, _ := withResetDirs(t)
		err := runReset(context.Background(), nil, resetTargets{db: true, explicitDB: true}, noInput(), &bytes.Buffer{})
		if !errors.Is(err, errResetNoDB) {
			t.Errorf("Expected errResetNoDB, got %v", err)
		}
		if _, err := os.Stat(uploads); err != nil {
			t.Error("uploads removed although not selected")
		}
	})

	t.Run("With a database", func(t *testing.T) {
		withResetDirs(t)
		db := &fakeJournal{}
		if err := runReset(context.Background(), db, all, noInput(), &bytes.Buffer{}); err != nil {
			t.Fatalf("runReset() error = %v", err)
		}
		if db.resets != 1 || db.schemas != 1 {
			t.Errorf("resets=%d schemas=%d", db.resets, db.schemas)
		}
	})

	t.Run("Declined", func(t *testing.T) {
		uploads, _ := withResetDirs(t)
		resetYes = false
		db := &fakeJournal{}
		in := bufio.NewReader(strings.NewReader("n\nn\nn\n"))
		if err := runReset(context.Background(), db, all, in, &bytes.Buffer{}); err != nil {
			t.Fatal(err)
		}
		if db.resets != 0 {
			t.Error("database reset without confirmation")
		}
		if _, err := os.Stat(uploads); err != nil {
			t.Error("uploads removed without confirmation")
		}
	})
}
