package services

import (
	"context"
	"fmt"
	"time"

	"yad2-ingest/models"
	apperrors "yad2-ingest/pkg/errors"
	"yad2-ingest/storage"
	"yad2-ingest/utils"
)

// DefaultBatchSize is the number of listings committed per repository batch.
const DefaultBatchSize = 10

// IngestReport counts what one Ingest call did.
type IngestReport struct {
	Created    int
	Updated    int
	Unchanged  int
	Rejected   int
	RejectedBy map[RejectReason]int
	Errors     int
}

// Apply adds the report to task counters.
func (r *IngestReport) Apply(c *models.TaskCounts) {
	c.Created += r.Created
	c.Updated += r.Updated
	c.Unchanged += r.Unchanged
	c.Rejected += r.Rejected
	c.Errors += r.Errors
	if len(r.RejectedBy) > 0 && c.RejectedBy == nil {
		c.RejectedBy = make(map[string]int, len(r.RejectedBy))
	}
	for reason, n := range r.RejectedBy {
		c.RejectedBy[string(reason)] += n
	}
}

// Ingestor normalizes raw listings and upserts them in fixed-size batches.
type Ingestor struct {
	normalizer *Normalizer
	repo       storage.ListingRepository
	publisher  Publisher
	batchSize  int
	logger     *utils.Logger
	now        func() time.Time
}

// NewIngestor wires an Ingestor. publisher may be nil.
func NewIngestor(normalizer *Normalizer, repo storage.ListingRepository, publisher Publisher, batchSize int, logger *utils.Logger) *Ingestor {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Ingestor{
		normalizer: normalizer,
		repo:       repo,
		publisher:  publisher,
		batchSize:  batchSize,
		logger:     logger.For("ingestor"),
		now:        time.Now,
	}
}

// Ingest normalizes raws and writes the accepted listings. Rejected and
// failing items are counted and skipped. Committed batches stay committed;
// an error is returned only when a whole batch fails, in which case the
// remaining batches are not attempted.
func (in *Ingestor) Ingest(ctx context.Context, taskID string, raws []*models.RawListing) (*IngestReport, error) {
	report := &IngestReport{RejectedBy: make(map[RejectReason]int)}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	log := in.logger
	if taskID != "" {
		log = log.WithField("task_id", taskID)
	}

	accepted := make([]*models.Listing, 0, len(raws))
	for _, raw := range raws {
		listing, rejection, err := in.normalizer.Normalize(ctx, raw)
		switch {
		case err != nil:
			report.Errors++
			log.WithError(err).Warn("[ingestor] Reference lookup failed for %s", raw.ExternalID)
		case rejection != nil:
			report.Rejected++
			report.RejectedBy[rejection.Reason]++
			log.WithError(rejection.Err()).WithFields(utils.Fields{
				"reason":      rejection.Reason,
				"external_id": rejection.ExternalID,
			}).Debug("[ingestor] Listing rejected")
		default:
			accepted = append(accepted, listing)
		}
	}

	for start := 0; start < len(accepted); start += in.batchSize {
		if err := ctx.Err(); err != nil {
			report.Errors += len(accepted) - start
			return report, err
		}
		end := min(start+in.batchSize, len(accepted))
		batch := accepted[start:end]

		results, err := in.repo.UpsertBatch(ctx, batch, in.now())
		if err != nil {
			report.Errors += len(accepted) - start
			return report, apperrors.NewRepository("ingestor",
				fmt.Sprintf("batch %d-%d failed", start, end), err)
		}

		failed := 0
		var lastErr error
		for _, res := range results {
			if res.Err != nil {
				failed++
				lastErr = res.Err
				log.WithError(res.Err).Warn("[ingestor] Upsert failed for %s", res.Listing.ExternalID)
				continue
			}
			in.count(report, res)
			in.publish(ctx, log, taskID, res)
		}
		report.Errors += failed

		if failed > 1 && failed == len(batch) {
			report.Errors += len(accepted) - end
			return report, apperrors.NewRepository("ingestor",
				fmt.Sprintf("every item of batch %d-%d failed", start, end), lastErr)
		}
	}

	log.Info("[ingestor] Ingested %d raw listings: %d created, %d updated, %d unchanged, %d rejected, %d errors",
		len(raws), report.Created, report.Updated, report.Unchanged, report.Rejected, report.Errors)
	return report, nil
}

func (in *Ingestor) count(report *IngestReport, res models.UpsertResult) {
	switch res.Outcome {
	case models.OutcomeCreated:
		report.Created++
	case models.OutcomeUpdated:
		report.Updated++
	default:
		report.Unchanged++
	}
}

func (in *Ingestor) publish(ctx context.Context, log *utils.Logger, taskID string, res models.UpsertResult) {
	var events []Event
	if res.Outcome == models.OutcomeCreated {
		events = append(events, Event{Type: EventListingCreated, TaskID: taskID, Listing: res.Listing})
	}
	if res.History != nil {
		events = append(events, Event{Type: EventListingHistory, TaskID: taskID, Listing: res.Listing, History: res.History})
	}
	for _, ev := range events {
		if err := in.publisher.Publish(ctx, ev); err != nil {
			log.WithError(err).Warn("[ingestor] Publish %s failed", ev.Type)
		}
	}
}
