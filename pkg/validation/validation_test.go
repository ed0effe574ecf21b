package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	PatientID string `json:"patient_id" validate:"required,snowflake"`
	UnitCost  string `json:"unit_cost" validate:"required,money"`
}

func TestValidatorReportsJSONFieldNames(t *testing.T) {
	v := New()

	err := v.Struct(sample{PatientID: "not-an-id", UnitCost: "12.50"})
	require.Error(t, err)

	field, tag, ok := FirstViolation(err)
	require.True(t, ok)
	assert.Equal(t, "patient_id", field)
	assert.Equal(t, "snowflake", tag)
}

func TestValidatorMoneyTag(t *testing.T) {
	v := New()

	assert.NoError(t, v.Struct(sample{PatientID: "1234", UnitCost: "300.00"}))

	err := v.Struct(sample{PatientID: "1234", UnitCost: "-1"})
	field, tag, ok := FirstViolation(err)
	require.True(t, ok)
	assert.Equal(t, "unit_cost", field)
	assert.Equal(t, "money", tag)
}
