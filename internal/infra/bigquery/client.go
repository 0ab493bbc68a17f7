package bigquery

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"
)

const (
	defaultDatasetID = "finance"

	categoriesTable    = "categories"
	usageMessagesTable = "usage_messages"
	usageDailyTable    = "usage_daily"
)

// Config selects the project and dataset the repositories work in.
type Config struct {
	ProjectID string
	DatasetID string
}

func (c Config) dataset() string {
	if c.DatasetID == "" {
		return defaultDatasetID
	}
	return c.DatasetID
}

// table returns the fully qualified, quoted name of a table.
func (c Config) table(name string) string {
	return "`" + c.ProjectID + "." + c.dataset() + "." + name + "`"
}

// NewClient creates a BigQuery client for cfg.ProjectID.
func NewClient(ctx context.Context, cfg Config) (*bigquery.Client, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("NewClient: project ID is required")
	}
	client, err := bigquery.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("NewClient: bigquery client: %w", err)
	}
	return client, nil
}

// runDML runs a DML statement or script and waits for it to finish.
func runDML(ctx context.Context, client *bigquery.Client, sql string, params []bigquery.QueryParameter) error {
	q := client.Query(sql)
	q.Parameters = params

	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("run query: %w", err)
	}

	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("wait for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("job error: %w", err)
	}

	return nil
}

// isConcurrentUpdate reports whether err is a transaction abort caused by a
// conflicting concurrent DML job.
func isConcurrentUpdate(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "concurrent update") || strings.Contains(msg, "aborted due to concurrent")
}
