package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseRegistrySkipsInvalidEntries(t *testing.T) {
	doc := `[
	  {"Id": "ris-main", "Enable": true, "Type": "Ris", "Url": "http://ris.local/notify"},
	  {"Id": "no-url", "Enable": true, "Type": "Ris"},
	  {"Id": "disabled", "Enable": false, "Type": "Transfer", "Url": "http://x"},
	  {"Id": "ris-main", "Enable": true, "Type": "Ris", "Url": "http://duplicate"},
	  {"Enable": true, "Type": "Transfer", "Url": "http://no-id"}
	]`

	registry, err := ParseRegistry([]byte(doc), zap.NewNop())
	require.NoError(t, err)
	require.Len(t, registry.Apps(), 1)

	app, ok := registry.ByID("ris-main")
	require.True(t, ok)
	assert.Equal(t, "http://ris.local/notify", app.URL)

	_, ok = registry.ByID("disabled")
	assert.False(t, ok)
}

func TestParseRegistryDefaults(t *testing.T) {
	doc := `[{"Id": "ris", "Enable": true, "Type": "Ris", "Url": "http://ris"}]`

	registry, err := ParseRegistry([]byte(doc), zap.NewNop())
	require.NoError(t, err)

	app, ok := registry.ByID("ris")
	require.True(t, ok)
	assert.Equal(t, "POST", app.Method)
	assert.Equal(t, 60, app.TimeoutSeconds)
	assert.Zero(t, app.DelaySeconds)

	// Notify types carry the default DICOM mapping.
	assert.Equal(t, "AccessionNumber", app.FieldMapping["accessionNumber"])
	assert.Equal(t, "PatientID", app.FieldMapping["patientId"])
	assert.Equal(t, "series_Modality", app.FieldMapping["series_modality"])
}

func TestParseRegistryAsyncTypesHaveNoDefaultMapping(t *testing.T) {
	doc := `[{"Id": "peer", "Enable": true, "Type": "Transfer", "Url": "http://peer", "Delay": 30, "Timeout": 10, "Method": "put"}]`

	registry, err := ParseRegistry([]byte(doc), zap.NewNop())
	require.NoError(t, err)

	app, ok := registry.ByID("peer")
	require.True(t, ok)
	assert.Empty(t, app.FieldMapping)
	assert.Equal(t, "PUT", app.Method)
	assert.Equal(t, 30, app.DelaySeconds)
	assert.Equal(t, 10, app.TimeoutSeconds)
	assert.True(t, AsyncType(app.Type))
	assert.False(t, AsyncType(TypeRis))
}

func TestParseRegistryFieldMappingShapes(t *testing.T) {
	// Array-of-objects shape, as emitted by stores that cannot nest objects.
	arrayDoc := `[{
	  "Id": "ris", "Enable": true, "Type": "Ris", "Url": "http://ris",
	  "FieldMappingOverwrite": true,
	  "FieldMapping": [{"custom": "StudyDate"}, {"other": "Modality"}],
	  "FieldValues": [{"Peer": "LongTermPeer"}, {"Compression": "none"}]
	}]`
	registry, err := ParseRegistry([]byte(arrayDoc), zap.NewNop())
	require.NoError(t, err)
	app, _ := registry.ByID("ris")
	require.NotNil(t, app)
	assert.Equal(t, FieldMap{"custom": "StudyDate", "other": "Modality"}, app.FieldMapping)
	assert.Equal(t, "LongTermPeer", app.FieldValues["Peer"])

	// Plain-object shape overrides individual defaults without clearing them.
	objectDoc := `[{
	  "Id": "ris2", "Enable": true, "Type": "Ris", "Url": "http://ris",
	  "FieldMapping": {"accessionNumber": "CustomAccession"}
	}]`
	registry, err = ParseRegistry([]byte(objectDoc), zap.NewNop())
	require.NoError(t, err)
	app, _ = registry.ByID("ris2")
	require.NotNil(t, app)
	assert.Equal(t, "CustomAccession", app.FieldMapping["accessionNumber"])
	assert.Equal(t, "PatientID", app.FieldMapping["patientId"])
}

func TestValidate(t *testing.T) {
	base := Config{
		Backend:       BackendSQLite,
		DBPath:        "q.db",
		MaxRetry:      5,
		QueryLimit:    20,
		ThrottleDelay: 100_000_000,
	}
	require.NoError(t, base.Validate())

	spanner := base
	spanner.Backend = BackendSpanner
	require.Error(t, spanner.Validate())
	spanner.SpannerDatabase = "projects/p/instances/i/databases/d"
	require.NoError(t, spanner.Validate())

	unknown := base
	unknown.Backend = "postgres"
	require.Error(t, unknown.Validate())

	badLimit := base
	badLimit.QueryLimit = 0
	require.Error(t, badLimit.Validate())
}

func TestPolicyDerivation(t *testing.T) {
	cfg := Config{
		MaxRetry:            3,
		QueryLimit:          10,
		ThrottleDelay:       50_000_000,
		FirstPriorityTypes:  []string{"Ris"},
		LockDurations:       map[string]time.Duration{"Ris": 5 * time.Second},
		DefaultLockDuration: 900 * time.Second,
	}
	pol := cfg.Policy()
	assert.Equal(t, 3, pol.MaxRetry)
	assert.Equal(t, 5*time.Second, pol.LockDuration("Ris"))
	assert.Equal(t, 900*time.Second, pol.LockDuration("Unmapped"))
}
