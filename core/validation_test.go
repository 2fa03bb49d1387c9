package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateIndexedValue(t *testing.T) {
	tests := []struct {
		name    string
		value   IndexedValue
		wantErr error
	}{
		{name: "valid location", value: LocationValue("a")},
		{name: "valid keyword", value: KeywordValue("a")},
		{name: "empty location", value: LocationValue(""), wantErr: ErrEmptyValue},
		{name: "empty keyword", value: KeywordValue(""), wantErr: ErrInvalidKeyword},
		{name: "zero value", value: IndexedValue{}, wantErr: ErrInvalidIndexedValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIndexedValue(tt.value)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidateKeyword(t *testing.T) {
	assert.NoError(t, ValidateKeyword(KeywordFromInt(0)))
	assert.ErrorIs(t, ValidateKeyword(""), ErrInvalidKeyword)
	assert.ErrorIs(t, ValidateLocation(""), ErrInvalidLocation)
}
