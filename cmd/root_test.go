package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/river-ice-cog/internal/app"
	"github.com/JakeFAU/river-ice-cog/internal/config"
	"github.com/JakeFAU/river-ice-cog/internal/ingest"
	"github.com/JakeFAU/river-ice-cog/internal/storage/memory"
)

// runRoot executes the CLI with a memory store. Tests using it mutate
// process env and appOptions, so they do not run in parallel.
func runRoot(t *testing.T, store *memory.BlobStore, args ...string) (string, error) {
	t.Helper()
	t.Setenv("RIVERCOG_STORAGE_PROVIDER", "memory")
	t.Setenv("RIVERCOG_LOGGING_LEVEL", "error")

	prev := appOptions
	appOptions = app.Options{Store: store}
	t.Cleanup(func() { appOptions = prev })

	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env")}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestLegendCommandCopiesLegend(t *testing.T) {
	store := memory.NewBlobStore()
	prefix := "store/water/river-ice-canada-archive/"
	require.NoError(t, store.PutText(context.Background(), "datacube-dev-data-public", prefix+"riverice_legend.png", "png", nil))

	out, err := runRoot(t, store, "legend", "-l", "dev", "/tmp/RiverIce_20160401_ON_S1_HH_5m.tif")
	require.NoError(t, err)
	key := prefix + "RiverIce_20160401_ON_S1_HH_5m_legend.png"
	assert.Contains(t, out, key)
	body, ok := store.Object("datacube-dev-data-public", key)
	require.True(t, ok)
	assert.Equal(t, "png", string(body))
}

func TestLegendCommandMissingLegendFails(t *testing.T) {
	_, err := runRoot(t, memory.NewBlobStore(), "legend", "-l", "stage", "RiverIce_20160401_ON_S1_HH_5m.tif")
	require.Error(t, err)
}

func TestPublishCommandRejectsUnknownLevel(t *testing.T) {
	_, err := runRoot(t, memory.NewBlobStore(), "publish", "-l", "qa", "in.tif")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "qa")
}

func TestPublishCommandRejectsUnknownResampling(t *testing.T) {
	_, err := runRoot(t, memory.NewBlobStore(), "publish", "-m", "nearest", "in.tif")
	require.ErrorContains(t, err, "raster.resampling")
}

func TestPublishCommandNeedsSTACEndpoint(t *testing.T) {
	_, err := runRoot(t, memory.NewBlobStore(), "publish", "in.tif")
	require.Error(t, err)
}

func TestIngestCommandRequiresYears(t *testing.T) {
	_, err := runRoot(t, memory.NewBlobStore(), "ingest")
	require.ErrorContains(t, err, "no years given")
}

func TestReconcileCommandPrintsResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body><a href="Flood/">Flood/</a></body></html>`))
	}))
	t.Cleanup(srv.Close)
	t.Setenv("RIVERCOG_SOURCE_ROOT_URL", srv.URL)

	out, err := runRoot(t, memory.NewBlobStore(), "reconcile", "--years", "2016")
	require.NoError(t, err)

	var res ingest.ReconcileResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Zero(t, res.Discovered)
	assert.Empty(t, res.Added)
}

func TestBindFlagsOverridesConfig(t *testing.T) {
	t.Parallel()

	cmd := &cobra.Command{Use: "x"}
	addRasterFlags(cmd)
	addTargetFlags(cmd)
	require.NoError(t, cmd.ParseFlags([]string{"-r", "10", "-c", "4326", "-l", "prod"}))

	v := config.NewViper()
	require.NoError(t, bindFlags(v, cmd.Flags()))
	cfg, err := config.LoadFrom(v, "")
	require.NoError(t, err)
	assert.InEpsilon(t, 10.0, cfg.Raster.Resolution, 1e-9)
	assert.Equal(t, 4326, cfg.Raster.EPSG)
	assert.Equal(t, "prod", cfg.Publish.Level)
	assert.Equal(t, "near", cfg.Raster.Resampling)
}
