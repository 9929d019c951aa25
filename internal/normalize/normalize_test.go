package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Acme", "acme"},
		{"O'Brien, Inc.", "obrieninc"},
		{"obrien inc", "obrieninc"},
		{"  ACME   Corp ", "acmecorp"},
		{"Café 42", "café42"},
		{"", ""},
		{"---", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Name(tc.in), tc.in)
	}

	assert.Equal(t, Name("O'Brien, Inc."), Name("obrien inc"))
}

func TestDigits(t *testing.T) {
	assert.Equal(t, "1234", Digits("12-34"))
	assert.Equal(t, "1234", Digits(" 12 34 "))
	assert.Equal(t, "", Digits("ACME"))
	assert.Equal(t, "", Digits(""))
	assert.Equal(t, "0042", Digits("#0042"))
}

func TestCleanAndBlank(t *testing.T) {
	assert.Equal(t, "", Clean("nan"))
	assert.Equal(t, "", Clean(" NULL "))
	assert.Equal(t, "", Clean("None"))
	assert.Equal(t, "Acme", Clean("  Acme "))

	assert.True(t, IsBlank(""))
	assert.True(t, IsBlank("   "))
	assert.True(t, IsBlank("<NA>"))
	assert.False(t, IsBlank("0"))
}

func TestExternalID(t *testing.T) {
	assert.Equal(t, "881", ExternalID(" 881.0 "))
	assert.Equal(t, "881", ExternalID("881"))
	assert.Equal(t, "881.05", ExternalID("881.05"))
	assert.Equal(t, "", ExternalID("nan"))
}

func TestLooksNumeric(t *testing.T) {
	assert.True(t, LooksNumeric("123456"))
	assert.True(t, LooksNumeric(" 42 "))
	assert.False(t, LooksNumeric(""))
	assert.False(t, LooksNumeric("12a"))
	assert.False(t, LooksNumeric("12-34"))
}
