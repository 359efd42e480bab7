package query

import (
	"fmt"
	"strings"
)

// Condition represents a WHERE clause condition.
// Implementations must generate SQL fragments and parameter maps
// using the named parameter format (@paramName).
type Condition interface {
	// SQL returns the SQL fragment and parameter map for this condition.
	// paramIndex is used to generate unique parameter names (@p0, @p1, etc.)
	SQL(paramIndex int) (string, map[string]interface{})
}

// eqCondition implements equality comparison (field = value).
type eqCondition struct {
	field string
	value interface{}
}

// Eq creates a WHERE condition for equality comparison.
// Example: Eq("status", "PENDING") generates "status = @p0"
func Eq(field string, value interface{}) Condition {
	return &eqCondition{field: field, value: value}
}

func (c *eqCondition) SQL(paramIndex int) (string, map[string]interface{}) {
	paramName := fmt.Sprintf("p%d", paramIndex)
	sql := fmt.Sprintf("%s = @%s", c.field, paramName)
	return sql, map[string]interface{}{paramName: c.value}
}

// lteCondition implements less-than-or-equal comparison.
type lteCondition struct {
	field string
	value interface{}
}

// Lte creates a WHERE condition for "field <= value".
func Lte(field string, value interface{}) Condition {
	return &lteCondition{field: field, value: value}
}

func (c *lteCondition) SQL(paramIndex int) (string, map[string]interface{}) {
	paramName := fmt.Sprintf("p%d", paramIndex)
	sql := fmt.Sprintf("%s <= @%s", c.field, paramName)
	return sql, map[string]interface{}{paramName: c.value}
}

// inCondition implements membership tests with one parameter per element,
// so the placeholder count always matches the value count.
type inCondition struct {
	field   string
	values  []interface{}
	negated bool
}

// In creates a WHERE condition for "field IN (...)".
func In(field string, values ...interface{}) Condition {
	return &inCondition{field: field, values: values}
}

// NotIn creates a WHERE condition for "field NOT IN (...)".
func NotIn(field string, values ...interface{}) Condition {
	return &inCondition{field: field, values: values, negated: true}
}

// InStrings is a convenience wrapper over In/NotIn for string sets, with the
// included flag selecting between them (the dequeue partition convention).
func InStrings(field string, values []string, included bool) Condition {
	boxed := make([]interface{}, len(values))
	for i, v := range values {
		boxed[i] = v
	}
	if included {
		return In(field, boxed...)
	}
	return NotIn(field, boxed...)
}

func (c *inCondition) SQL(paramIndex int) (string, map[string]interface{}) {
	params := make(map[string]interface{}, len(c.values))
	placeholders := make([]string, 0, len(c.values))
	for i, v := range c.values {
		paramName := fmt.Sprintf("p%d", paramIndex+i)
		placeholders = append(placeholders, "@"+paramName)
		params[paramName] = v
	}
	op := "IN"
	if c.negated {
		op = "NOT IN"
	}
	sql := fmt.Sprintf("%s %s (%s)", c.field, op, strings.Join(placeholders, ", "))
	return sql, params
}

// orCondition combines subconditions with OR, parenthesized as a group.
type orCondition struct {
	conditions []Condition
}

// Or combines conditions with OR logic.
func Or(conditions ...Condition) Condition {
	return &orCondition{conditions: conditions}
}

func (c *orCondition) SQL(paramIndex int) (string, map[string]interface{}) {
	params := make(map[string]interface{})
	parts := make([]string, 0, len(c.conditions))
	for _, cond := range c.conditions {
		fragment, condParams := cond.SQL(paramIndex)
		parts = append(parts, fragment)
		for k, v := range condParams {
			params[k] = v
		}
		paramIndex += len(condParams)
	}
	return "(" + strings.Join(parts, " OR ") + ")", params
}

// isNullCondition implements IS NULL comparison.
type isNullCondition struct {
	field string
}

// IsNull creates a WHERE condition for NULL checks.
func IsNull(field string) Condition {
	return &isNullCondition{field: field}
}

func (c *isNullCondition) SQL(paramIndex int) (string, map[string]interface{}) {
	return fmt.Sprintf("%s IS NULL", c.field), map[string]interface{}{}
}
