package database

import (
	"fmt"
	"time"
)

// EnsurePartitions guarantees that the monthly partitions for the month of
// now and the month after exist, so writes never land in a missing
// partition across a month boundary.
func (r *PgMessageRepository) EnsurePartitions(now time.Time) error {
	months := []time.Time{monthStart(now), monthStart(now).AddDate(0, 1, 0)}

	for _, m := range months {
		if _, err := r.conn.Exec(partitionDDL(m)); err != nil {
			return fmt.Errorf("ensure partition %s: %w", partitionName(m), err)
		}
	}

	return nil
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func partitionName(month time.Time) string {
	return fmt.Sprintf("messages_y%dm%02d", month.Year(), int(month.Month()))
}

func partitionDDL(month time.Time) string {
	from := monthStart(month)
	to := from.AddDate(0, 1, 0)

	return fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s PARTITION OF messages FOR VALUES FROM ('%s') TO ('%s')",
		partitionName(month),
		from.Format("2006-01-02"),
		to.Format("2006-01-02"),
	)
}
