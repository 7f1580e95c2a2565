package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionflow/internal/metrics"
	"optionflow/models"
	"optionflow/processor"
	"optionflow/writer"
)

var testExpiry = time.Date(2024, 6, 27, 0, 0, 0, 0, time.UTC)

type stubSource struct {
	mu          sync.Mutex
	instruments []models.Instrument
	listErr     error
	quotes      map[uint64]models.Quote
	errs        map[uint64]error
	onQuote     func()
}

func (s *stubSource) ListInstruments(context.Context, string) ([]models.Instrument, error) {
	return s.instruments, s.listErr
}

func (s *stubSource) GetQuote(ctx context.Context, inst models.Instrument) (models.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onQuote != nil {
		s.onQuote()
	}
	if err := s.errs[inst.InstrumentID]; err != nil {
		return models.Quote{}, err
	}
	return s.quotes[inst.InstrumentID], nil
}

func option(id uint64, strike float64, typ string) models.Instrument {
	return models.Instrument{
		InstrumentID:  id,
		Exchange:      "NFO",
		TradingSymbol: "NIFTY" + processor.FormatStrike(strike) + typ,
		Name:          "NIFTY",
		Expiry:        testExpiry,
		Strike:        strike,
		Type:          typ,
	}
}

func quote(ltp string, oi, vol int64) models.Quote {
	return models.Quote{LastPrice: decimal.RequireFromString(ltp), OpenInterest: oi, Volume: vol}
}

func newSource() *stubSource {
	return &stubSource{
		instruments: []models.Instrument{
			option(1, 20000, "CE"),
			option(2, 20000, "PE"),
			option(3, 19950, "CE"),
			option(4, 19950, "PE"),
			option(5, 20000, "FUT"),
			{InstrumentID: 6, Name: "BANKNIFTY", Expiry: testExpiry, Strike: 45000, Type: "CE"},
		},
		quotes: map[uint64]models.Quote{
			1: quote("150", 1200, 300),
			2: quote("80.5", 900, 100),
			3: quote("175", 500, 50),
			4: quote("60", 400, 40),
		},
		errs: map[uint64]error{},
	}
}

type stubArchive struct {
	err   error
	calls int
}

func (a *stubArchive) Write(context.Context, string, time.Time, models.Chain) (string, error) {
	a.calls++
	if a.err != nil {
		return "", a.err
	}
	return "underlying=NIFTY/expiry=2024-06-27/x.parquet", nil
}

type stubObserver struct {
	stats []metrics.CycleStats
}

func (o *stubObserver) ObserveCycle(stats metrics.CycleStats) error {
	o.stats = append(o.stats, stats)
	return nil
}

type failingStore struct {
	*writer.MemoryStore
	readErr  error
	writeErr error
	writes   int
}

func (s *failingStore) ReadAll(ctx context.Context) ([][]string, error) {
	if s.readErr != nil {
		return nil, s.readErr
	}
	return s.MemoryStore.ReadAll(ctx)
}

func (s *failingStore) WriteRows(ctx context.Context, start int, rows [][]string) error {
	s.writes++
	if s.writeErr != nil {
		return s.writeErr
	}
	return s.MemoryStore.WriteRows(ctx, start, rows)
}

func newTestCycle(src *stubSource, store writer.TableStore) *Cycle {
	return &Cycle{
		Source:     src,
		Store:      store,
		Exchange:   "NFO",
		Underlying: "NIFTY",
		Expiry:     testExpiry,
		WithVWAP:   true,
	}
}

func TestCycleFirstRunWritesFullTable(t *testing.T) {
	store := writer.NewMemoryStore(nil)
	archive := &stubArchive{}
	observer := &stubObserver{}
	cycle := newTestCycle(newSource(), store)
	cycle.Archive = archive
	cycle.Observer = observer

	res, err := cycle.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Written)
	assert.Equal(t, 4, res.Contracts)
	assert.Empty(t, res.Diagnostics)
	assert.Equal(t, 1, archive.calls)
	assert.NotEmpty(t, res.ArchiveKey)

	rows, err := store.ReadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, models.Header(), rows[0])
	assert.Equal(t, []string{"175", "500", "500", "50", "19950", "2024-06-27", "60", "400", "400", "40", "175.00", "60.00"}, rows[1])
	assert.Equal(t, []string{"150", "1200", "1200", "300", "20000", "2024-06-27", "80.5", "900", "900", "100", "150.00", "80.50"}, rows[2])

	require.Len(t, observer.stats, 1)
	assert.NoError(t, observer.stats[0].Err)
	assert.Equal(t, 2, observer.stats[0].Rows)
}

func TestCycleUsesPersistedBaseline(t *testing.T) {
	header := models.Header()
	store := writer.NewMemoryStore([][]string{
		header,
		{"148", "1000", "0", "0", "20000", "2024-06-27", "85", "800", "0", "0", "150.00", "81.00"},
	})
	src := newSource()
	src.quotes[1] = quote("155", 1200, 300)
	cycle := newTestCycle(src, store)

	_, err := cycle.Run(context.Background())
	require.NoError(t, err)

	rows, err := store.ReadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 3)

	row := rows[2]
	assert.Equal(t, "20000", row[4])
	assert.Equal(t, "200", row[2])
	assert.Equal(t, "151.15", row[10])
	assert.Equal(t, "100", row[8])
	assert.Equal(t, "80.94", row[11])

	// A new strike has no baseline: its change equals its OI.
	assert.Equal(t, "500", rows[1][2])
}

func TestCycleRunsAreIndependent(t *testing.T) {
	store := writer.NewMemoryStore(nil)
	src := newSource()
	cycle := newTestCycle(src, store)

	_, err := cycle.Run(context.Background())
	require.NoError(t, err)

	src.quotes[1] = quote("150", 1250, 0)
	_, err = cycle.Run(context.Background())
	require.NoError(t, err)

	rows, err := store.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "50", rows[2][2])
	assert.Equal(t, "150.00", rows[2][10])
}

func TestCycleFailedQuoteKeepsStrike(t *testing.T) {
	store := writer.NewMemoryStore(nil)
	src := newSource()
	src.errs[1] = errors.New("timeout")
	src.errs[2] = errors.New("timeout")
	observer := &stubObserver{}
	cycle := newTestCycle(src, store)
	cycle.Observer = observer

	res, err := cycle.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Diagnostics, 2)

	rows, err := store.ReadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"0", "0", "0", "0", "20000", "2024-06-27", "0", "0", "0", "0", "0.00", "0.00"}, rows[2])
	assert.Equal(t, 2, observer.stats[0].QuoteFailures)
}

func TestCycleNoMatchingInstruments(t *testing.T) {
	original := [][]string{models.Header(), {"1", "1", "0", "0", "100", "2024-06-27", "1", "1", "0", "0", "1.00", "1.00"}}
	store := writer.NewMemoryStore(original)
	src := newSource()
	cycle := newTestCycle(src, store)
	cycle.Expiry = testExpiry.AddDate(0, 0, 7)

	_, err := cycle.Run(context.Background())
	require.ErrorIs(t, err, processor.ErrNoInstruments)

	rows, err := store.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, original, rows)
}

func TestCycleStoreReadFailureWritesNothing(t *testing.T) {
	store := &failingStore{MemoryStore: writer.NewMemoryStore(nil), readErr: errors.New("unreachable")}
	observer := &stubObserver{}
	cycle := newTestCycle(newSource(), store)
	cycle.Observer = observer

	_, err := cycle.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read snapshot table")
	assert.Zero(t, store.writes)
	require.Len(t, observer.stats, 1)
	assert.Error(t, observer.stats[0].Err)
}

func TestCycleListFailureWritesNothing(t *testing.T) {
	store := &failingStore{MemoryStore: writer.NewMemoryStore(nil)}
	src := newSource()
	src.listErr = errors.New("403 token expired")

	_, err := newTestCycle(src, store).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list instruments")
	assert.Zero(t, store.writes)
}

func TestCycleWriteFailureIsReported(t *testing.T) {
	store := &failingStore{MemoryStore: writer.NewMemoryStore(nil), writeErr: errors.New("quota")}
	archive := &stubArchive{}
	cycle := newTestCycle(newSource(), store)
	cycle.Archive = archive

	res, err := cycle.Run(context.Background())
	require.Error(t, err)
	assert.False(t, res.Written)
	assert.Zero(t, archive.calls)
}

func TestCycleArchiveFailureIsNotFatal(t *testing.T) {
	store := writer.NewMemoryStore(nil)
	cycle := newTestCycle(newSource(), store)
	cycle.Archive = &stubArchive{err: errors.New("bucket gone")}

	res, err := cycle.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Written)
	assert.Empty(t, res.ArchiveKey)
}

func TestCycleDryRunLeavesStoreUntouched(t *testing.T) {
	store := &failingStore{MemoryStore: writer.NewMemoryStore(nil)}
	archive := &stubArchive{}
	cycle := newTestCycle(newSource(), store)
	cycle.Archive = archive
	cycle.DryRun = true

	res, err := cycle.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Written)
	assert.Len(t, res.Snapshot.Rows, 2)
	assert.Zero(t, store.writes)
	assert.Zero(t, archive.calls)
}

func TestCycleCancelledMidFetchWritesNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := &failingStore{MemoryStore: writer.NewMemoryStore(nil)}
	src := newSource()
	src.onQuote = cancel

	_, err := newTestCycle(src, store).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, store.writes)
}

func TestCycleLegacySchema(t *testing.T) {
	store := writer.NewMemoryStore(nil)
	cycle := newTestCycle(newSource(), store)
	cycle.WithVWAP = false

	_, err := cycle.Run(context.Background())
	require.NoError(t, err)

	rows, err := store.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.VWAPPlaceholder, rows[1][10])
	assert.Equal(t, models.VWAPPlaceholder, rows[1][11])
}

func TestCycleDryRunReplacesInMemoryCopy(t *testing.T) {
	original := [][]string{
		models.Header(),
		{"148", "1000", "0", "0", "20000", "2024-06-27", "85", "800", "0", "0", "150.00", "81.00"},
		{"1", "1", "0", "0", "25000", "2024-06-27", "1", "1", "0", "0", "1.00", "1.00"},
	}
	store := writer.NewMemoryStore(original)
	cycle := newTestCycle(newSource(), store)
	cycle.DryRun = true

	res, err := cycle.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Preview, 3)
	assert.Equal(t, models.Header(), res.Preview[0])
	assert.Equal(t, res.Snapshot.Rows, res.Preview[1:])
	assert.Equal(t, "200", res.Preview[2][2])

	rows, err := store.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, original, rows)
}
