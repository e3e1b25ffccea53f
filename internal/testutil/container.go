// Package testutil provides fixtures shared by package tests.
package testutil

import (
	"io/fs"
	"path/filepath"
	"sort"
	"testing"

	"github.com/roach88/groupstore/internal/container"
)

// TestGroup is the app group identifier most tests register.
const TestGroup = "group.com.example.app"

// NewDirectory returns a container.Directory rooted in a fresh temp dir with
// groups registered. With no groups, TestGroup is registered.
func NewDirectory(t testing.TB, groups ...string) *container.Directory {
	t.Helper()
	if len(groups) == 0 {
		groups = []string{TestGroup}
	}
	d, err := container.NewDirectory(t.TempDir(), groups...)
	if err != nil {
		t.Fatalf("container.NewDirectory() failed: %v", err)
	}
	return d
}

// Tree lists every path under root, relative to root, in sorted order.
// Used to assert that an operation left the filesystem untouched.
func Tree(t testing.TB, root string) []string {
	t.Helper()
	paths := []string{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", root, err)
	}
	sort.Strings(paths)
	return paths
}
