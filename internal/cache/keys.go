package cache

import (
	"fmt"

	"github.com/google/uuid"
)

// JobStatusKey holds the job's latest internal status.
func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("batchsync:job:%s:status", jobID)
}

// JobRecordKey holds a JSON snapshot of the job served by the API.
func JobRecordKey(jobID uuid.UUID) string {
	return fmt.Sprintf("batchsync:job:%s", jobID)
}
