package fleet

import (
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/vidfleet/vidfleet/log"
	"github.com/vidfleet/vidfleet/pipeline"
)

// ResultsDB is an optional Postgres sink for per-job batch outcomes.
// A nil *ResultsDB is valid and simply skips recording, mirroring the
// "metrics DB is optional" convention this module's ambient stack
// follows elsewhere.
type ResultsDB struct {
	db *sql.DB
}

func OpenResultsDB(dataSourceName string) (*ResultsDB, error) {
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, err
	}
	return &ResultsDB{db: db}, nil
}

func (r *ResultsDB) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// recordJobOutcome inserts one row per reclaimed job. Failures are
// logged, never returned: a metrics-sink outage must not affect fleet
// reclamation.
func (r *ResultsDB) recordJobOutcome(job pipeline.Job, resultURL string) {
	if r == nil || r.db == nil {
		return
	}

	const insertStmt = `insert into "batch_job_completed"(
		"finished_at",
		"job_id",
		"input_ref",
		"output_key",
		"mode",
		"result_url"
	) values($1, $2, $3, $4, $5, $6)`

	_, err := r.db.Exec(insertStmt,
		time.Now().Unix(),
		job.JobID,
		job.InputRef,
		job.OutputKey,
		job.Mode,
		resultURL,
	)
	if err != nil {
		log.LogError(job.JobID, "failed to record job outcome in results database", err)
	}
}
