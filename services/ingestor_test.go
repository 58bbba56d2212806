package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yad2-ingest/models"
	apperrors "yad2-ingest/pkg/errors"
	"yad2-ingest/storage"
	"yad2-ingest/utils"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

var _ Publisher = (*recordingPublisher)(nil)

func (p *recordingPublisher) Publish(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

// flakyRepo fails every item whose external id is listed in failIDs and
// records the size of every batch it sees.
type flakyRepo struct {
	*storage.MemoryRepository
	failIDs  map[string]bool
	batchErr error
	batches  []int
}

func (f *flakyRepo) UpsertBatch(ctx context.Context, listings []*models.Listing, now time.Time) ([]models.UpsertResult, error) {
	f.batches = append(f.batches, len(listings))
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	var ok []*models.Listing
	results := make([]models.UpsertResult, 0, len(listings))
	for _, l := range listings {
		if f.failIDs[l.ExternalID] {
			results = append(results, models.UpsertResult{Listing: l, Err: errors.New("constraint violation")})
			continue
		}
		ok = append(ok, l)
	}
	stored, err := f.MemoryRepository.UpsertBatch(ctx, ok, now)
	if err != nil {
		return nil, err
	}
	return append(results, stored...), nil
}

type ingestFixture struct {
	repo      *storage.MemoryRepository
	publisher *recordingPublisher
	ingestor  *Ingestor
	clock     time.Time
}

func newIngestFixture(repo storage.ListingRepository, mem *storage.MemoryRepository, batchSize int) *ingestFixture {
	f := &ingestFixture{
		repo:      mem,
		publisher: &recordingPublisher{},
		clock:     time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	n := newTestNormalizer(mem)
	f.ingestor = NewIngestor(n, repo, f.publisher, batchSize, utils.NewNopLogger())
	f.ingestor.now = func() time.Time { return f.clock }
	return f
}

func TestIngestCountsAndIdempotence(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryRepository()
	f := newIngestFixture(mem, mem, 2)

	raws := []*models.RawListing{rawCar("a", 100000), rawCar("b", 80000), rawCar("c", 60000)}
	report, err := f.ingestor.Ingest(ctx, "task-1", raws)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Created)
	assert.Equal(t, []string{EventListingCreated, EventListingCreated, EventListingCreated}, f.publisher.types())

	f.clock = f.clock.Add(time.Hour)
	report, err = f.ingestor.Ingest(ctx, "task-2", raws)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Unchanged)
	assert.Zero(t, report.Created)

	active, err := mem.FetchActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 3)
	for _, l := range active {
		assert.Equal(t, f.clock, l.LastSeenAt)
		history, err := mem.History(ctx, l.ID)
		require.NoError(t, err)
		assert.Empty(t, history)
	}
}

func TestIngestPriceDropPublishesHistory(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryRepository()
	f := newIngestFixture(mem, mem, 10)

	_, err := f.ingestor.Ingest(ctx, "", []*models.RawListing{rawCar("a", 100000)})
	require.NoError(t, err)

	f.clock = f.clock.Add(24 * time.Hour)
	report, err := f.ingestor.Ingest(ctx, "", []*models.RawListing{rawCar("a", 95000)})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Updated)

	require.Len(t, f.publisher.events, 2)
	ev := f.publisher.events[1]
	assert.Equal(t, EventListingHistory, ev.Type)
	require.NotNil(t, ev.History)
	assert.Equal(t, -5000.0, *ev.History.PriceChange)
	assert.Equal(t, 1, ev.History.DaysOnMarket)
}

func TestIngestRejectedNeverReachRepository(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryRepository()
	repo := &flakyRepo{MemoryRepository: mem}
	f := newIngestFixture(repo, mem, 10)

	dash := rawCar("dash", 0)
	dash.RawPrice = "—"
	dash.PriceInvalid = true
	noID := rawCar("", 1000)

	report, err := f.ingestor.Ingest(ctx, "", []*models.RawListing{dash, noID})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Rejected)
	assert.Equal(t, 1, report.RejectedBy[RejectInvalidPrice])
	assert.Equal(t, 1, report.RejectedBy[RejectMissingID])
	assert.Empty(t, repo.batches, "no batch is sent when nothing survives normalization")

	found, err := mem.Find(ctx, models.SourceYad2, "dash")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestIngestLogsRejectionsAsValidationErrors(t *testing.T) {
	mem := storage.NewMemoryRepository()
	f := newIngestFixture(mem, mem, 10)
	var buf bytes.Buffer
	f.ingestor.logger = utils.NewLoggerWithWriter(&buf, zerolog.DebugLevel).For("ingestor")

	dash := rawCar("dash", 0)
	dash.PriceInvalid = true
	_, err := f.ingestor.Ingest(context.Background(), "t-9", []*models.RawListing{dash})
	require.NoError(t, err)

	var rejected map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		if m["message"] == "[ingestor] Listing rejected" {
			rejected = m
		}
	}
	require.NotNil(t, rejected, buf.String())
	assert.Equal(t, "ingestor", rejected["component"])
	assert.Equal(t, "t-9", rejected["task_id"])
	assert.Equal(t, "invalid_price", rejected["reason"])
	assert.Equal(t, "dash", rejected["external_id"])
	assert.Contains(t, rejected["error"], "[validation] normalizer")
}

func TestRejectionErrIsValidation(t *testing.T) {
	rej := &Rejection{Reason: RejectMissingBrand, ExternalID: "x1", Detail: "no brand"}
	err := rej.Err()
	assert.True(t, apperrors.Is(err, apperrors.ErrorTypeValidation))
	assert.False(t, apperrors.IsRetryable(err))
	assert.Contains(t, err.Error(), "missing_brand")
}

func TestIngestItemFailureDoesNotAbortBatch(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryRepository()
	repo := &flakyRepo{MemoryRepository: mem, failIDs: map[string]bool{"b": true}}
	f := newIngestFixture(repo, mem, 2)

	raws := []*models.RawListing{rawCar("a", 1), rawCar("b", 2), rawCar("c", 3), rawCar("d", 4), rawCar("e", 5)}
	report, err := f.ingestor.Ingest(ctx, "", raws)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Created)
	assert.Equal(t, 1, report.Errors)
	assert.Equal(t, []int{2, 2, 1}, repo.batches)
}

func TestIngestWholeBatchFailureEscalates(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryRepository()
	repo := &flakyRepo{MemoryRepository: mem, failIDs: map[string]bool{"c": true, "d": true}}
	f := newIngestFixture(repo, mem, 2)

	raws := []*models.RawListing{rawCar("a", 1), rawCar("b", 2), rawCar("c", 3), rawCar("d", 4), rawCar("e", 5)}
	report, err := f.ingestor.Ingest(ctx, "", raws)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrorTypeRepository))
	assert.Equal(t, 2, report.Created, "the first batch stays committed")
	assert.Equal(t, 3, report.Errors)
	assert.Equal(t, []int{2, 2}, repo.batches, "remaining batches are not attempted")

	found, err := mem.Find(ctx, models.SourceYad2, "a")
	require.NoError(t, err)
	assert.NotNil(t, found)
}

func TestIngestBatchErrorEscalates(t *testing.T) {
	mem := storage.NewMemoryRepository()
	repo := &flakyRepo{MemoryRepository: mem, batchErr: errors.New("tx aborted")}
	f := newIngestFixture(repo, mem, 10)

	report, err := f.ingestor.Ingest(context.Background(), "", []*models.RawListing{rawCar("a", 1)})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrorTypeRepository))
	assert.Equal(t, 1, report.Errors)
}

func TestIngestPublishFailureIsNotAnIngestError(t *testing.T) {
	mem := storage.NewMemoryRepository()
	f := newIngestFixture(mem, mem, 10)
	f.publisher.err = errors.New("redis down")

	report, err := f.ingestor.Ingest(context.Background(), "", []*models.RawListing{rawCar("a", 1)})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)
	assert.Zero(t, report.Errors)
}

func TestIngestCancelledContext(t *testing.T) {
	mem := storage.NewMemoryRepository()
	f := newIngestFixture(mem, mem, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	raws := make([]*models.RawListing, 3)
	for i := range raws {
		raws[i] = rawCar(fmt.Sprintf("id%d", i), 1000)
	}
	report, err := f.ingestor.Ingest(ctx, "", raws)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, report.Created)
}

func TestReportApply(t *testing.T) {
	var counts models.TaskCounts
	r := &IngestReport{Created: 2, Updated: 1, Rejected: 3, Errors: 1,
		RejectedBy: map[RejectReason]int{RejectInvalidPrice: 2, RejectMissingBrand: 1}}
	r.Apply(&counts)
	r.Apply(&counts)

	assert.Equal(t, 4, counts.Created)
	assert.Equal(t, 6, counts.Rejected)
	assert.Equal(t, 4, counts.RejectedBy["invalid_price"])
	assert.Equal(t, 2, counts.Errors)
}
