package writer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "optionflow/config"
	"optionflow/models"
)

func sampleChain() models.Chain {
	return models.Chain{
		20000: {
			Strike: 20000,
			Call: models.SideState{
				LastPrice:          decimal.RequireFromString("150.5"),
				OpenInterest:       1200,
				OpenInterestChange: 200,
				Volume:             300,
				VWAP:               decimal.RequireFromString("151.15"),
			},
		},
		19950: {Strike: 19950},
	}
}

func archiveConfig(backend string) *appconfig.Config {
	return &appconfig.Config{
		Optionflow: appconfig.OptionflowConfig{Name: "optionflow", Version: "test"},
		Storage:    appconfig.StorageConfig{S3: appconfig.S3Config{Bucket: "archive-bucket"}},
		Archive: appconfig.ArchiveConfig{
			Enabled:     true,
			Backend:     backend,
			Prefix:      "/chains/",
			Compression: "snappy",
		},
	}
}

func TestArchiveWriterWritesParquetFile(t *testing.T) {
	cfg := archiveConfig(appconfig.StorageBackendFile)
	cfg.Archive.Dir = t.TempDir()

	archive, err := NewArchiveWriter(cfg, nil)
	require.NoError(t, err)
	archive.now = func() time.Time { return time.Date(2024, 6, 20, 9, 30, 0, 0, time.UTC) }

	expiry := time.Date(2024, 6, 27, 0, 0, 0, 0, time.UTC)
	key, err := archive.Write(context.Background(), "nifty", expiry, sampleChain())
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(key, "chains/underlying=NIFTY/expiry=2024-06-27/date=2024-06-20/NIFTY_20240620093000"))
	assert.True(t, strings.HasSuffix(key, "_chain.parquet"))

	data, err := os.ReadFile(filepath.Join(cfg.Archive.Dir, filepath.FromSlash(key)))
	require.NoError(t, err)
	require.Greater(t, len(data), 8)
	assert.Equal(t, []byte("PAR1"), data[:4])
	assert.Equal(t, []byte("PAR1"), data[len(data)-4:])
}

func TestArchiveWriterUploadsToS3(t *testing.T) {
	fake := newFakeS3()
	cfg := archiveConfig(appconfig.StorageBackendS3)

	archive, err := NewArchiveWriter(cfg, fake)
	require.NoError(t, err)

	key, err := archive.Write(context.Background(), "NIFTY", time.Date(2024, 6, 27, 0, 0, 0, 0, time.UTC), sampleChain())
	require.NoError(t, err)

	data, ok := fake.objects["archive-bucket/"+key]
	require.True(t, ok)
	assert.True(t, bytes.HasPrefix(data, []byte("PAR1")))
	assert.Equal(t, "snappy", fake.metadata["archive-bucket/"+key]["compression"])
}

func TestNewArchiveWriterRejectsUnknownBackend(t *testing.T) {
	_, err := NewArchiveWriter(archiveConfig("ftp"), nil)
	require.Error(t, err)

	_, err = NewArchiveWriter(archiveConfig(appconfig.StorageBackendS3), nil)
	require.Error(t, err)
}
