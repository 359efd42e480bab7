package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildSelectAll(t *testing.T) {
	sql, params := From("stable_event_queues").Build()
	assert.Equal(t, "SELECT * FROM stable_event_queues", sql)
	assert.Empty(t, params)
}

func TestBuildWithColumnsAndConditions(t *testing.T) {
	sql, params := From("stable_event_queues").
		Select("id", "app_type").
		Where(Eq("status", "PENDING")).
		Where(Lte("retry", 5)).
		Build()

	assert.Equal(t,
		"SELECT id, app_type FROM stable_event_queues WHERE status = @p0 AND retry <= @p1",
		sql)
	assert.Equal(t, map[string]interface{}{"p0": "PENDING", "p1": 5}, params)
}

func TestBuildInGeneratesOnePlaceholderPerValue(t *testing.T) {
	sql, params := From("transfer_jobs").
		Where(In("id", "a", "b", "c")).
		Build()

	assert.Equal(t, "SELECT * FROM transfer_jobs WHERE id IN (@p0, @p1, @p2)", sql)
	assert.Equal(t, map[string]interface{}{"p0": "a", "p1": "b", "p2": "c"}, params)
}

func TestBuildInStringsSelectsPolarity(t *testing.T) {
	types := []string{"Ris", "StoreServer"}

	sql, _ := From("t").Where(InStrings("app_type", types, true)).Build()
	assert.Contains(t, sql, "app_type IN (@p0, @p1)")

	sql, _ = From("t").Where(InStrings("app_type", types, false)).Build()
	assert.Contains(t, sql, "app_type NOT IN (@p0, @p1)")
}

func TestBuildOrGroupsAndIndexesParams(t *testing.T) {
	sql, params := From("t").
		Where(Eq("owner_id", "w1")).
		Where(Or(Eq("status", "PENDING"), IsNull("expiration_time"))).
		Build()

	assert.Equal(t,
		"SELECT * FROM t WHERE owner_id = @p0 AND (status = @p1 OR expiration_time IS NULL)",
		sql)
	assert.Equal(t, map[string]interface{}{"p0": "w1", "p1": "PENDING"}, params)
}

func TestBuildOrderLimitOffset(t *testing.T) {
	sql, params := From("t").
		OrderBy("retry", Asc).
		OrderBy("creation_time", Desc).
		Limit(20).
		Offset(40).
		Build()

	assert.Equal(t,
		"SELECT * FROM t ORDER BY retry ASC, creation_time DESC LIMIT @limit OFFSET @offset",
		sql)
	assert.Equal(t, int64(20), params["limit"])
	assert.Equal(t, int64(40), params["offset"])
}

func TestBuildZeroLimitOmitted(t *testing.T) {
	sql, params := From("t").Limit(0).Build()
	assert.Equal(t, "SELECT * FROM t", sql)
	assert.NotContains(t, params, "limit")
}

func TestCountDropsPaginationAndOrdering(t *testing.T) {
	base := From("t").
		Where(Eq("status", "PENDING")).
		OrderBy("id", Asc).
		Limit(10).
		Offset(5)

	sql, params := base.Count().Build()
	assert.Equal(t, "SELECT COUNT(*) FROM t WHERE status = @p0", sql)
	assert.Equal(t, map[string]interface{}{"p0": "PENDING"}, params)
}

func TestBuilderIsImmutable(t *testing.T) {
	base := From("t").Where(Eq("status", "PENDING"))

	withLimit := base.Limit(10)
	withExtra := base.Where(Eq("app_type", "Ris"))

	sql, _ := base.Build()
	assert.Equal(t, "SELECT * FROM t WHERE status = @p0", sql)

	sql, _ = withLimit.Build()
	assert.Contains(t, sql, "LIMIT @limit")

	sql, _ = withExtra.Build()
	assert.Contains(t, sql, "app_type = @p1")
}
