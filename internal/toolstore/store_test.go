package toolstore

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jumith/internal/fsutil"
	"jumith/internal/manifest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newStore(t *testing.T, opener ModuleOpener) *Store {
	t.Helper()
	s := New(Config{Root: filepath.Join(t.TempDir(), "tools"), Opener: opener, Logger: testLogger()})
	require.NoError(t, s.Init(context.Background()))
	return s
}

func testManifest(id, version string) manifest.ToolManifest {
	return manifest.ToolManifest{
		ID:          id,
		Name:        "weather",
		Version:     version,
		Summary:     "Current weather",
		Description: "Looks up the current weather for a city.",
		Entry:       manifest.Entry{Runtime: manifest.RuntimeGoPlugin, Main: "weather.so"},
	}
}

func testBundle(id, version string, extra ...manifest.BundleFile) *manifest.Bundle {
	files := append([]manifest.BundleFile{{Path: "weather.so", Content: "module " + version}}, extra...)
	return &manifest.Bundle{Manifest: testManifest(id, version), Files: files}
}

func readActiveFile(t *testing.T, s *Store, id string) manifest.ActiveRecord {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(s.Root(), fsutil.SafeID(id), activeFile))
	require.NoError(t, err)
	var rec manifest.ActiveRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	return rec
}

func TestInit_Idempotent(t *testing.T) {
	s := newStore(t, nil)
	require.NoError(t, s.Init(context.Background()))
	info, err := os.Stat(s.Root())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestInstallBundle_Layout(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil)

	m, err := s.InstallBundle(ctx, testBundle("acme/weather", "1.0.0",
		manifest.BundleFile{Path: "data/cities.txt", Content: "Hanoi"},
		manifest.BundleFile{Path: "icon.bin", Content: "AAEC", Encoding: manifest.EncodingBase64},
	))
	require.NoError(t, err)
	assert.Equal(t, "acme/weather", m.ID)

	versionDir := filepath.Join(s.Root(), "acme_weather", "1.0.0")
	data, err := os.ReadFile(filepath.Join(versionDir, "data", "cities.txt"))
	require.NoError(t, err)
	assert.Equal(t, "Hanoi", string(data))

	data, err = os.ReadFile(filepath.Join(versionDir, "icon.bin"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2}, data)

	snapshot, err := os.ReadFile(filepath.Join(versionDir, manifest.ManifestFile))
	require.NoError(t, err)
	parsed, err := manifest.ParseManifest(snapshot)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", parsed.Version)

	assert.Equal(t, manifest.ActiveRecord{ID: "acme/weather", Version: "1.0.0"}, readActiveFile(t, s, "acme/weather"))

	installed, err := s.ListInstalled(ctx)
	require.NoError(t, err)
	require.Len(t, installed, 1)
	assert.Equal(t, "acme/weather", installed[0].ID)
}

func TestInstallBundle_RejectsUnsafePaths(t *testing.T) {
	ctx := context.Background()
	cases := []string{"../escape.txt", "/etc/passwd", "a/../../b", `..\evil`, "C:/x"}
	for _, p := range cases {
		t.Run(p, func(t *testing.T) {
			s := newStore(t, nil)
			_, err := s.InstallBundle(ctx, testBundle("acme/weather", "1.0.0", manifest.BundleFile{Path: p, Content: "x"}))
			require.Error(t, err)
			var pathErr *fsutil.PathSafetyError
			assert.True(t, errors.As(err, &pathErr), "got %v", err)

			entries, err := os.ReadDir(s.Root())
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestInstallBundle_RejectsInvalidManifest(t *testing.T) {
	s := newStore(t, nil)
	b := testBundle("acme/weather", "1.0.0")
	b.Manifest.Version = "../1.0.0"
	_, err := s.InstallBundle(context.Background(), b)
	require.Error(t, err)

	var verr *manifest.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestInstallBundle_NewVersionBecomesActive(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil)

	_, err := s.InstallBundle(ctx, testBundle("acme/weather", "1.0.0"))
	require.NoError(t, err)
	_, err = s.InstallBundle(ctx, testBundle("acme/weather", "2.0.0"))
	require.NoError(t, err)

	installed, err := s.ListInstalled(ctx)
	require.NoError(t, err)
	require.Len(t, installed, 1)
	assert.Equal(t, "2.0.0", installed[0].Version)

	_, err = os.Stat(filepath.Join(s.Root(), "acme_weather", "1.0.0"))
	assert.NoError(t, err, "old version stays on disk until pruned")

	v, ok, err := s.ActiveVersion(ctx, "acme/weather")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2.0.0", v)
}

func TestInstallBundle_ReinstallReplacesFiles(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil)

	_, err := s.InstallBundle(ctx, testBundle("acme/weather", "1.0.0", manifest.BundleFile{Path: "old.txt", Content: "x"}))
	require.NoError(t, err)
	_, err = s.InstallBundle(ctx, testBundle("acme/weather", "1.0.0"))
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(s.Root(), "acme_weather", "1.0.0", "old.txt"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	entries, err := os.ReadDir(filepath.Join(s.Root(), "acme_weather"))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"1.0.0", activeFile}, names)
}

func TestInstallBundle_FailureKeepsPreviousActive(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil)

	_, err := s.InstallBundle(ctx, testBundle("acme/weather", "1.0.0"))
	require.NoError(t, err)

	// weather.so is written as a file, so nothing can be written beneath it.
	_, err = s.InstallBundle(ctx, testBundle("acme/weather", "2.0.0", manifest.BundleFile{Path: "weather.so/inner", Content: "x"}))
	require.Error(t, err)

	assert.Equal(t, "1.0.0", readActiveFile(t, s, "acme/weather").Version)
	versions, err := s.ListVersions(ctx, "acme/weather")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.0.0"}, versions)

	entries, err := os.ReadDir(filepath.Join(s.Root(), "acme_weather"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), stagingPrefix)
	}
}

func TestInstallBundle_FailedFirstInstallLeavesNothing(t *testing.T) {
	s := newStore(t, nil)
	_, err := s.InstallBundle(context.Background(), testBundle("acme/weather", "1.0.0", manifest.BundleFile{Path: "weather.so/inner", Content: "x"}))
	require.Error(t, err)

	entries, err := os.ReadDir(s.Root())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInstallBundle_IDCollision(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil)

	_, err := s.InstallBundle(ctx, testBundle("a/b", "1.0.0"))
	require.NoError(t, err)

	_, err = s.InstallBundle(ctx, testBundle("a:b", "1.0.0"))
	var collision *IDCollisionError
	require.True(t, errors.As(err, &collision), "got %v", err)
	assert.Equal(t, "a/b", collision.Existing)

	_, err = s.RemoveTool(ctx, "a:b")
	assert.True(t, errors.As(err, &collision))

	assert.Equal(t, "a/b", readActiveFile(t, s, "a/b").ID)
}

func TestInstallBundle_IDCollisionWithCorruptPointer(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil)

	_, err := s.InstallBundle(ctx, testBundle("a/b", "1.0.0"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "a_b", activeFile), []byte("{not json"), 0o644))

	_, err = s.InstallBundle(ctx, testBundle("a:b", "1.0.0"))
	var collision *IDCollisionError
	require.True(t, errors.As(err, &collision), "got %v", err)
	assert.Equal(t, "a/b", collision.Existing)

	data, err := os.ReadFile(filepath.Join(s.Root(), "a_b", "1.0.0", manifest.ManifestFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"id": "a/b"`)

	_, err = s.InstallBundle(ctx, testBundle("a/b", "1.0.0"))
	require.NoError(t, err, "the owning id can still reinstall over a corrupt pointer")
	assert.Equal(t, "a/b", readActiveFile(t, s, "a/b").ID)
}

func TestRemoveTool(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil)

	_, err := s.InstallBundle(ctx, testBundle("acme/weather", "1.0.0"))
	require.NoError(t, err)
	_, err = s.InstallBundle(ctx, testBundle("acme/weather", "1.1.0"))
	require.NoError(t, err)

	removed, err := s.RemoveTool(ctx, "acme/weather")
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = os.Stat(filepath.Join(s.Root(), "acme_weather"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	removed, err = s.RemoveTool(ctx, "acme/weather")
	require.NoError(t, err)
	assert.False(t, removed)

	installed, err := s.ListInstalled(ctx)
	require.NoError(t, err)
	assert.Empty(t, installed)
}

func TestListInstalled_SkipsCorrupt(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil)

	_, err := s.InstallBundle(ctx, testBundle("acme/good", "1.0.0"))
	require.NoError(t, err)
	_, err = s.InstallBundle(ctx, testBundle("acme/broken", "1.0.0"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "acme_broken", "1.0.0", manifest.ManifestFile), []byte("{not json"), 0o644))

	// Directory without an active pointer.
	require.NoError(t, os.MkdirAll(filepath.Join(s.Root(), "stray", "0.1.0"), 0o755))

	installed, err := s.ListInstalled(ctx)
	require.NoError(t, err)
	require.Len(t, installed, 1)
	assert.Equal(t, "acme/good", installed[0].ID)
}

func TestListInstalled_MissingRoot(t *testing.T) {
	s := New(Config{Root: filepath.Join(t.TempDir(), "absent"), Logger: testLogger()})
	installed, err := s.ListInstalled(context.Background())
	require.NoError(t, err)
	assert.Empty(t, installed)
}

func TestListVersions_SemverOrder(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil)
	for _, v := range []string{"1.10.0", "1.2.0", "nightly", "1.9.0"} {
		_, err := s.InstallBundle(ctx, testBundle("acme/weather", v))
		require.NoError(t, err)
	}
	versions, err := s.ListVersions(ctx, "acme/weather")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.2.0", "1.9.0", "1.10.0", "nightly"}, versions)

	versions, err = s.ListVersions(ctx, "acme/unknown")
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil)
	for _, v := range []string{"1.0.0", "1.1.0", "1.2.0"} {
		_, err := s.InstallBundle(ctx, testBundle("acme/weather", v))
		require.NoError(t, err)
	}
	require.NoError(t, os.MkdirAll(filepath.Join(s.Root(), "acme_weather", stagingPrefix+"leftover"), 0o755))

	removed, err := s.Prune(ctx, "acme/weather")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.0.0", "1.1.0"}, removed)

	versions, err := s.ListVersions(ctx, "acme/weather")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.2.0"}, versions)
	_, err = os.Stat(filepath.Join(s.Root(), "acme_weather", stagingPrefix+"leftover"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	_, err = s.Prune(ctx, "acme/unknown")
	assert.Error(t, err)
}
