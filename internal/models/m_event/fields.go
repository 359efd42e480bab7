package m_event

// Field name constants for the StableEventQueues table.
const (
	TableName = "StableEventQueues"

	ID               = "id"
	Status           = "status"
	OwnerID          = "owner_id"
	PatientBirthDate = "patient_birth_date"
	PatientID        = "patient_id"
	PatientName      = "patient_name"
	PatientSex       = "patient_sex"
	AccessionNumber  = "accession_number"
	IUID             = "iuid"
	ResourceID       = "resource_id"
	ResourceType     = "resource_type"
	AppID            = "app_id"
	AppType          = "app_type"
	DelaySec         = "delay_sec"
	Retry            = "retry"
	FailedReason     = "failed_reason"
	NextScheduled    = "next_scheduled_time"
	Expiration       = "expiration_time"
	LastUpdated      = "last_updated_time"
	Creation         = "creation_time"
)

// Event status constants.
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
)

// Columns lists every column in canonical SELECT order. Both backends scan
// rows in this order.
func Columns() []string {
	return []string{
		ID, Status, OwnerID,
		PatientBirthDate, PatientID, PatientName, PatientSex, AccessionNumber,
		IUID, ResourceID, ResourceType, AppID, AppType,
		DelaySec, Retry, FailedReason,
		NextScheduled, Expiration, LastUpdated, Creation,
	}
}

// sortColumns is the allow-list for user-supplied sort keys. Anything not in
// this set falls back to the primary key.
var sortColumns = map[string]struct{}{
	ID: {}, IUID: {}, ResourceID: {}, ResourceType: {},
	AppID: {}, AppType: {}, DelaySec: {}, Retry: {},
	FailedReason: {}, LastUpdated: {}, Creation: {},
}

// SortColumn validates a user-supplied sort key against the allow-list,
// returning the primary key when it does not match.
func SortColumn(requested string) string {
	if _, ok := sortColumns[requested]; ok {
		return requested
	}
	return ID
}
