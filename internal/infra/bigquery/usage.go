package bigquery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/dvloznov/expense-assistant/internal/ledger"
	"github.com/dvloznov/expense-assistant/internal/logger"
	"google.golang.org/api/iterator"
)

// maxTxAttempts bounds retries of a usage transaction aborted by a concurrent writer.
const maxTxAttempts = 3

// DailyBucketRow is one row of the usage_daily table.
type DailyBucketRow struct {
	UserID        string     `bigquery:"user_id"`
	TrackerID     string     `bigquery:"tracker_id"`
	UsageDate     civil.Date `bigquery:"usage_date"`
	TotalMessages int64      `bigquery:"total_messages"`
	UserMessages  int64      `bigquery:"user_messages"`
	AIMessages    int64      `bigquery:"ai_messages"`
	TotalTokens   int64      `bigquery:"total_tokens"`
}

func (r DailyBucketRow) toBucket() ledger.DailyBucket {
	return ledger.DailyBucket{
		UserID:        r.UserID,
		TrackerID:     r.TrackerID,
		Date:          r.UsageDate,
		TotalMessages: r.TotalMessages,
		UserMessages:  r.UserMessages,
		AIMessages:    r.AIMessages,
		TotalTokens:   r.TotalTokens,
	}
}

// UsageRepository is the BigQuery implementation of ledger.Store.
type UsageRepository struct {
	client *bigquery.Client
	cfg    Config
}

// NewUsageRepository creates a repository over a shared client.
func NewUsageRepository(client *bigquery.Client, cfg Config) *UsageRepository {
	return &UsageRepository{client: client, cfg: cfg}
}

// foreignMessageError is raised by the record script when the message id
// already belongs to another user.
const foreignMessageError = "message belongs to another user"

// recordMessageScript upserts the message and applies the bucket delta in one
// transaction. prev_tokens is NULL on the first write for a message id; a
// correction adjusts the bucket of the stored tracker and day.
func (r *UsageRepository) recordMessageScript() string {
	messages := r.cfg.table(usageMessagesTable)
	daily := r.cfg.table(usageDailyTable)

	return `
		DECLARE prev_tokens INT64 DEFAULT NULL;
		DECLARE prev_user STRING DEFAULT NULL;
		DECLARE bucket_tracker STRING DEFAULT @tracker_id;
		DECLARE bucket_date DATE DEFAULT @usage_date;

		BEGIN TRANSACTION;

		SET prev_user = (SELECT user_id FROM ` + messages + ` WHERE message_id = @message_id);
		IF prev_user IS NOT NULL AND prev_user != @user_id THEN
		  RAISE USING MESSAGE = '` + foreignMessageError + `';
		END IF;
		SET prev_tokens = (SELECT token_count FROM ` + messages + ` WHERE message_id = @message_id);
		SET bucket_tracker = IFNULL((SELECT tracker_id FROM ` + messages + ` WHERE message_id = @message_id), @tracker_id);
		SET bucket_date = IFNULL((SELECT usage_date FROM ` + messages + ` WHERE message_id = @message_id), @usage_date);

		MERGE ` + messages + ` AS m
		USING (SELECT @message_id AS message_id) AS s
		ON m.message_id = s.message_id
		WHEN MATCHED THEN
		  UPDATE SET content = @content, token_count = @token_count, updated_ts = @now
		WHEN NOT MATCHED THEN
		  INSERT (
			message_id, exchange_id, user_id,
			tracker_id, tracker_name, tracker_type, tracker_currency, tracker_deleted,
			role, content, token_count, usage_date, created_ts, updated_ts
		  )
		  VALUES (
			@message_id, @exchange_id, @user_id,
			@tracker_id, @tracker_name, @tracker_type, @tracker_currency, FALSE,
			@role, @content, @token_count, @usage_date, @now, @now
		  );

		MERGE ` + daily + ` AS d
		USING (SELECT @user_id AS user_id, bucket_tracker AS tracker_id, bucket_date AS usage_date) AS s
		ON d.user_id = s.user_id AND d.tracker_id = s.tracker_id AND d.usage_date = s.usage_date
		WHEN MATCHED THEN
		  UPDATE SET
			total_messages = d.total_messages + IF(prev_tokens IS NULL, 1, 0),
			user_messages = d.user_messages + IF(prev_tokens IS NULL AND @role = 'user', 1, 0),
			ai_messages = d.ai_messages + IF(prev_tokens IS NULL AND @role = 'assistant', 1, 0),
			total_tokens = d.total_tokens + @token_count - IFNULL(prev_tokens, 0),
			updated_ts = @now
		WHEN NOT MATCHED THEN
		  INSERT (user_id, tracker_id, usage_date, total_messages, user_messages, ai_messages, total_tokens, updated_ts)
		  VALUES (
			@user_id, bucket_tracker, bucket_date,
			1, IF(@role = 'user', 1, 0), IF(@role = 'assistant', 1, 0),
			@token_count, @now
		  );

		COMMIT TRANSACTION;
	`
}

// RecordMessage implements ledger.Store.
func (r *UsageRepository) RecordMessage(ctx context.Context, entry ledger.MessageEntry) error {
	params := []bigquery.QueryParameter{
		{Name: "message_id", Value: entry.MessageID},
		{Name: "exchange_id", Value: entry.ExchangeID},
		{Name: "user_id", Value: entry.UserID},
		{Name: "tracker_id", Value: entry.Tracker.ID},
		{Name: "tracker_name", Value: entry.Tracker.Name},
		{Name: "tracker_type", Value: entry.Tracker.Type},
		{Name: "tracker_currency", Value: entry.Tracker.Currency},
		{Name: "role", Value: string(entry.Role)},
		{Name: "content", Value: entry.Content},
		{Name: "token_count", Value: int64(entry.TokenCount)},
		{Name: "usage_date", Value: entry.UsageDate},
		{Name: "now", Value: entry.UpdatedAt},
	}

	script := r.recordMessageScript()
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = runDML(ctx, r.client, script, params)
		if !isConcurrentUpdate(err) || attempt == maxTxAttempts {
			break
		}
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("message_id", entry.MessageID).Int("attempt", attempt).Msg("Usage transaction aborted, retrying")
		select {
		case <-ctx.Done():
			return fmt.Errorf("RecordMessage: %w", ctx.Err())
		case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
		}
	}
	if err != nil && strings.Contains(err.Error(), foreignMessageError) {
		return fmt.Errorf("RecordMessage: message %s: %w", entry.MessageID, ledger.ErrForeignMessage)
	}
	if err != nil {
		return fmt.Errorf("RecordMessage: %w", err)
	}
	return nil
}

// DailyBuckets implements ledger.Store.
func (r *UsageRepository) DailyBuckets(ctx context.Context, userID, trackerID string, from, to civil.Date) ([]ledger.DailyBucket, error) {
	q := r.client.Query(`
		SELECT
		  user_id, tracker_id, usage_date,
		  total_messages, user_messages, ai_messages, total_tokens
		FROM ` + r.cfg.table(usageDailyTable) + `
		WHERE user_id = @user_id
		  AND (@tracker_id = '' OR tracker_id = @tracker_id)
		  AND usage_date BETWEEN @from AND @to
		ORDER BY usage_date, tracker_id
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "user_id", Value: userID},
		{Name: "tracker_id", Value: trackerID},
		{Name: "from", Value: from},
		{Name: "to", Value: to},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("DailyBuckets: query read: %w", err)
	}

	var buckets []ledger.DailyBucket
	for {
		var row DailyBucketRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("DailyBuckets: iter next: %w", err)
		}
		buckets = append(buckets, row.toBucket())
	}

	return buckets, nil
}

// MarkTrackerDeleted implements ledger.Store.
func (r *UsageRepository) MarkTrackerDeleted(ctx context.Context, userID, trackerID string) error {
	err := runDML(ctx, r.client, `
		UPDATE `+r.cfg.table(usageMessagesTable)+`
		SET tracker_deleted = TRUE
		WHERE user_id = @user_id AND tracker_id = @tracker_id
	`, []bigquery.QueryParameter{
		{Name: "user_id", Value: userID},
		{Name: "tracker_id", Value: trackerID},
	})
	if err != nil {
		return fmt.Errorf("MarkTrackerDeleted: %w", err)
	}
	return nil
}

// RenameTracker implements ledger.Store.
func (r *UsageRepository) RenameTracker(ctx context.Context, userID, trackerID, name, trackerType string) error {
	err := runDML(ctx, r.client, `
		UPDATE `+r.cfg.table(usageMessagesTable)+`
		SET tracker_name = @tracker_name, tracker_type = @tracker_type
		WHERE user_id = @user_id AND tracker_id = @tracker_id
	`, []bigquery.QueryParameter{
		{Name: "user_id", Value: userID},
		{Name: "tracker_id", Value: trackerID},
		{Name: "tracker_name", Value: name},
		{Name: "tracker_type", Value: trackerType},
	})
	if err != nil {
		return fmt.Errorf("RenameTracker: %w", err)
	}
	return nil
}

// PurgeTracker implements ledger.Store.
func (r *UsageRepository) PurgeTracker(ctx context.Context, userID, trackerID string) error {
	err := r.purge(ctx, "user_id = @user_id AND tracker_id = @tracker_id", []bigquery.QueryParameter{
		{Name: "user_id", Value: userID},
		{Name: "tracker_id", Value: trackerID},
	})
	if err != nil {
		return fmt.Errorf("PurgeTracker: %w", err)
	}
	return nil
}

// PurgeUser implements ledger.Store.
func (r *UsageRepository) PurgeUser(ctx context.Context, userID string) error {
	err := r.purge(ctx, "user_id = @user_id", []bigquery.QueryParameter{{Name: "user_id", Value: userID}})
	if err != nil {
		return fmt.Errorf("PurgeUser: %w", err)
	}
	return nil
}

// purge deletes messages and buckets matching where.
// where is one of the fixed key filters above, never caller input.
func (r *UsageRepository) purge(ctx context.Context, where string, params []bigquery.QueryParameter) error {
	script := `
		BEGIN TRANSACTION;
		DELETE FROM ` + r.cfg.table(usageMessagesTable) + ` WHERE ` + where + `;
		DELETE FROM ` + r.cfg.table(usageDailyTable) + ` WHERE ` + where + `;
		COMMIT TRANSACTION;
	`
	return runDML(ctx, r.client, script, params)
}

// Ensure UsageRepository implements ledger.Store interface.
var _ ledger.Store = (*UsageRepository)(nil)
