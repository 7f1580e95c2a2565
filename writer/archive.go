package writer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	pqwriter "github.com/xitongsys/parquet-go/writer"

	appconfig "optionflow/config"
	"optionflow/logger"
	"optionflow/models"
)

type chainParquetRecord struct {
	CapturedAt   int64   `parquet:"name=captured_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Underlying   string  `parquet:"name=underlying, type=BYTE_ARRAY, convertedtype=UTF8"`
	Expiry       string  `parquet:"name=expiry, type=BYTE_ARRAY, convertedtype=UTF8"`
	Strike       float64 `parquet:"name=strike, type=DOUBLE"`
	CallLTP      float64 `parquet:"name=call_ltp, type=DOUBLE"`
	CallOI       int64   `parquet:"name=call_oi, type=INT64"`
	CallOIChange int64   `parquet:"name=call_oi_change, type=INT64"`
	CallVolume   int64   `parquet:"name=call_volume, type=INT64"`
	CallVWAP     float64 `parquet:"name=call_vwap, type=DOUBLE"`
	PutLTP       float64 `parquet:"name=put_ltp, type=DOUBLE"`
	PutOI        int64   `parquet:"name=put_oi, type=INT64"`
	PutOIChange  int64   `parquet:"name=put_oi_change, type=INT64"`
	PutVolume    int64   `parquet:"name=put_volume, type=INT64"`
	PutVWAP      float64 `parquet:"name=put_vwap, type=DOUBLE"`
}

type chainMemFile struct {
	buffer *bytes.Buffer
}

func newChainMemFile() *chainMemFile {
	return &chainMemFile{buffer: &bytes.Buffer{}}
}

func (m *chainMemFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *chainMemFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *chainMemFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *chainMemFile) Read([]byte) (int, error)                  { return 0, fmt.Errorf("read not supported") }
func (m *chainMemFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *chainMemFile) Close() error                              { return nil }
func (m *chainMemFile) Bytes() []byte                             { return m.buffer.Bytes() }

// archiveSink stores one encoded archive object under key.
type archiveSink interface {
	Put(ctx context.Context, key string, data []byte) error
}

type dirSink struct {
	root string
}

func (d dirSink) Put(_ context.Context, key string, data []byte) error {
	full := filepath.Join(d.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("write archive file: %w", err)
	}
	return nil
}

type s3Sink struct {
	client      s3API
	bucket      string
	compression string
	version     string
}

func (s s3Sink) Put(ctx context.Context, key string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":       "parquet",
			"compression":        s.compression,
			"optionflow-version": s.version,
		},
	})
	if err != nil {
		return fmt.Errorf("upload chain parquet: %w", err)
	}
	return nil
}

// ArchiveWriter keeps a Parquet copy of every persisted chain.
type ArchiveWriter struct {
	sink        archiveSink
	prefix      string
	compression string
	log         *logger.Log
	now         func() time.Time
}

// NewArchiveWriter builds an archive for the configured backend. client is
// only used by the s3 backend and may be nil otherwise.
func NewArchiveWriter(cfg *appconfig.Config, client s3API) (*ArchiveWriter, error) {
	var sink archiveSink
	switch cfg.Archive.Backend {
	case appconfig.StorageBackendFile:
		sink = dirSink{root: cfg.Archive.Dir}
	case appconfig.StorageBackendS3:
		if client == nil {
			return nil, fmt.Errorf("s3 archive requires an s3 client")
		}
		sink = s3Sink{
			client:      client,
			bucket:      cfg.Storage.S3.Bucket,
			compression: cfg.Archive.Compression,
			version:     cfg.Optionflow.Version,
		}
	default:
		return nil, fmt.Errorf("archive backend '%s' is not supported", cfg.Archive.Backend)
	}

	return &ArchiveWriter{
		sink:        sink,
		prefix:      strings.Trim(cfg.Archive.Prefix, "/"),
		compression: cfg.Archive.Compression,
		log:         logger.GetLogger(),
		now:         time.Now,
	}, nil
}

// Write encodes the chain and stores it. It returns the object key.
func (a *ArchiveWriter) Write(ctx context.Context, underlying string, expiry time.Time, chain models.Chain) (string, error) {
	capturedAt := a.now().UTC()
	data, err := a.encode(capturedAt, underlying, expiry, chain)
	if err != nil {
		return "", err
	}

	key := a.key(capturedAt, underlying, expiry)
	if err := a.sink.Put(ctx, key, data); err != nil {
		return "", err
	}

	a.log.WithComponent("archive").WithFields(logger.Fields{
		"key":       key,
		"strikes":   len(chain),
		"file_size": len(data),
	}).Info("chain archive written")
	return key, nil
}

func (a *ArchiveWriter) encode(capturedAt time.Time, underlying string, expiry time.Time, chain models.Chain) ([]byte, error) {
	strikes := make([]float64, 0, len(chain))
	for strike := range chain {
		strikes = append(strikes, strike)
	}
	sort.Float64s(strikes)

	expiryText := expiry.Format(models.ExpiryLayout)
	mem := newChainMemFile()
	pw, err := pqwriter.NewParquetWriter(mem, new(chainParquetRecord), 1)
	if err != nil {
		return nil, fmt.Errorf("new parquet writer: %w", err)
	}

	switch strings.ToLower(a.compression) {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, strike := range strikes {
		st := chain[strike]
		rec := chainParquetRecord{
			CapturedAt:   capturedAt.UnixMilli(),
			Underlying:   underlying,
			Expiry:       expiryText,
			Strike:       strike,
			CallLTP:      st.Call.LastPrice.InexactFloat64(),
			CallOI:       st.Call.OpenInterest,
			CallOIChange: st.Call.OpenInterestChange,
			CallVolume:   st.Call.Volume,
			CallVWAP:     st.Call.VWAP.InexactFloat64(),
			PutLTP:       st.Put.LastPrice.InexactFloat64(),
			PutOI:        st.Put.OpenInterest,
			PutOIChange:  st.Put.OpenInterestChange,
			PutVolume:    st.Put.Volume,
			PutVWAP:      st.Put.VWAP.InexactFloat64(),
		}
		if err := pw.Write(rec); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet: %w", err)
	}
	return mem.Bytes(), nil
}

func (a *ArchiveWriter) key(capturedAt time.Time, underlying string, expiry time.Time) string {
	filename := fmt.Sprintf("%s_%s_chain.parquet",
		strings.ToUpper(underlying),
		capturedAt.Format("20060102150405")+uuid.NewString(),
	)
	parts := []string{
		fmt.Sprintf("underlying=%s", strings.ToUpper(underlying)),
		fmt.Sprintf("expiry=%s", expiry.Format(models.ExpiryLayout)),
		fmt.Sprintf("date=%s", capturedAt.Format("2006-01-02")),
		filename,
	}
	if a.prefix != "" {
		parts = append([]string{a.prefix}, parts...)
	}
	return path.Join(parts...)
}
