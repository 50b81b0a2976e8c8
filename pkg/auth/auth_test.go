package auth

import (
	"testing"

	"airmesh/pkg/types"

	"github.com/stretchr/testify/assert"
)

func TestValidateFormat(t *testing.T) {
	v := NewCallsignValidator()

	tests := []struct {
		station types.StationID
		valid   bool
	}{
		{"W1AW", true},
		{"KD2ABC", true},
		{"KD2ABC-7", true},
		{"VE3XYZ-15", true},
		{"UNLICENSED-001", true}, // well-formed, but receive-only
		{"", false},
		{"w1aw", false},
		{"FOOBAR", false},
		{"1234", false},
		{"W1AW-123", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.station), func(t *testing.T) {
			err := v.ValidateFormat(tt.station)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidCallsign)
			}
		})
	}
}

func TestIsLicensed(t *testing.T) {
	v := NewCallsignValidator()

	assert.True(t, v.IsLicensed("W1AW"))
	assert.True(t, v.IsLicensed("KD2ABC-7"))
	assert.False(t, v.IsLicensed("UNLICENSED-001"))
	assert.False(t, v.IsLicensed(""))
	assert.False(t, v.IsLicensed("not a callsign"))
}
