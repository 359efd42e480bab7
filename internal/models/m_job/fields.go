package m_job

// Field name constants for the TransferJobs table.
const (
	TableName = "TransferJobs"

	ID          = "id"
	OwnerID     = "owner_id"
	QueueID     = "queue_id"
	LastUpdated = "last_updated_time"
	Creation    = "creation_time"
)

// Columns lists every column in canonical SELECT order.
func Columns() []string {
	return []string{ID, OwnerID, QueueID, LastUpdated, Creation}
}
