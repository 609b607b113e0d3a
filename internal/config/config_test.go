package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sandia-hpc/diod9p/internal/proto"
)

func TestDefaultsValidate(t *testing.T) {
	require.NoError(t, Validate(Default()))
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "diod9p.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  msize: 4096\nauth:\n  required: true\n"), 0o644))

	f, err := Load(path)
	require.NoError(t, err)
	require.EqualValues(t, 4096, f.Server.Msize)
	require.True(t, f.Auth.Required)
	require.Equal(t, ":5640", f.Listen.Address) // default retained
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "diod9p.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  nwthreads: 2\n"), 0o644))
	t.Setenv("DIOD9P_SERVER_NWTHREADS", "8")

	f, err := Load(path)
	require.NoError(t, err)
	require.EqualValues(t, 8, f.Server.NWThreads)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsZeroWorkers(t *testing.T) {
	f := Default()
	f.Server.NWThreads = 0
	require.ErrorIs(t, Validate(f), ErrZeroWorkers)
}

func TestToServerConfigTraceBits(t *testing.T) {
	f := Default()
	f.Auth.Required = true
	f.Log.Trace = true

	cfg := f.ToServerConfig()
	require.True(t, cfg.AuthRequired)
	require.True(t, cfg.DebugLevel.Has(proto.TraceP9))
	require.True(t, cfg.DebugLevel.Has(proto.TraceAuth))
}
