package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_FirstCandidateWins(t *testing.T) {
	headers := []string{"Customer Name", "Acct #", "Account Number", "Units"}
	specs := []FieldSpec{
		{Field: "name", Candidates: []string{"customername", "name"}},
		{Field: "account", Candidates: []string{"account number", "acct#"}},
		{Field: "qty", Candidates: []string{"units"}, Required: true},
	}

	s := Resolve(headers, specs)

	col, ok := s.Column("name")
	require.True(t, ok)
	assert.Equal(t, "Customer Name", col)

	col, ok = s.Column("account")
	require.True(t, ok)
	assert.Equal(t, "Account Number", col, "candidate order decides, not header order")

	assert.Empty(t, s.Missing())
	assert.Equal(t, "account=Account Number, name=Customer Name, qty=Units", s.String())
}

func TestResolve_MissingFields(t *testing.T) {
	s := Resolve([]string{"Name"}, []FieldSpec{
		{Field: "name", Candidates: []string{"name"}},
		{Field: "date", Candidates: []string{"date"}},
		{Field: "qty", Candidates: []string{"units"}, Required: true},
	})

	assert.False(t, s.Has("date"))
	assert.Equal(t, []string{"qty"}, s.Missing())
	assert.Equal(t, "", s.Value(map[string]string{"Name": "x"}, "date"))
	assert.Equal(t, "x", s.Value(map[string]string{"Name": " x "}, "name"))
}

func TestResolve_LeftmostHeaderWinsOnCollision(t *testing.T) {
	s := Resolve([]string{"Account ID", "AccountID"}, []FieldSpec{
		{Field: "account", Candidates: []string{"accountid"}},
	})
	col, _ := s.Column("account")
	assert.Equal(t, "Account ID", col)
}

func TestOverride(t *testing.T) {
	specs := []FieldSpec{
		{Field: "name", Candidates: []string{"name"}},
		{Field: "qty", Candidates: []string{"units"}, Required: true},
	}
	out := Override(specs, map[string][]string{"qty": {"volume"}})

	assert.Equal(t, []string{"name"}, out[0].Candidates)
	assert.Equal(t, []string{"volume"}, out[1].Candidates)
	assert.True(t, out[1].Required)
	assert.Equal(t, []string{"units"}, specs[1].Candidates, "input untouched")
}
