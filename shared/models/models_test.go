package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewID(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    ID
		expectedErr error
	}{
		{name: "hex token", input: "a1b2c3", expected: "a1b2c3"},
		{name: "trims whitespace", input: "  42 ", expected: "42"},
		{name: "blank", input: "   ", expectedErr: ErrEmptyID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := NewID(tt.input)
			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.expected, id)
		})
	}
}

func TestNewUUID(t *testing.T) {
	_, err := NewUUID("not-a-uuid")
	assert.Error(t, err)

	generated := GenerateUUID()
	parsed, err := NewUUID(generated.String())
	assert.NoError(t, err)
	assert.Equal(t, generated, parsed)
}

func TestTimestamps_Update(t *testing.T) {
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	ts := NewTimestamps(created)

	updated := ts.Update(created.Add(time.Minute))

	assert.Equal(t, created, updated.CreatedAt)
	assert.Equal(t, created.Add(time.Minute), updated.UpdatedAt)
	assert.Equal(t, created, ts.UpdatedAt)
}
