package lane

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIDLabel(t *testing.T) {
	assert.Equal(t, "Lane 1", ID(0).Label())
	assert.Equal(t, "Lane 4", ID(3).Label())
	assert.True(t, ID(3).Valid())
	assert.False(t, ID(4).Valid())
	assert.False(t, ID(-1).Valid())
}

func TestOrderValidate(t *testing.T) {
	tests := []struct {
		name    string
		order   Order
		wantErr bool
	}{
		{"identity", Identity(), false},
		{"reversed", Order{3, 2, 1, 0}, false},
		{"duplicate", Order{0, 0, 1, 2}, true},
		{"out of range", Order{0, 1, 2, 4}, true},
		{"negative", Order{-1, 1, 2, 3}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.order.Validate()
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrNotPermutation), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestVectorHelpers(t *testing.T) {
	assert.True(t, Occupancy{}.IsZero())
	assert.False(t, Occupancy{0, 0, 1, 0}.IsZero())
	assert.Equal(t, 8, Occupancy{1, 2, 2, 3}.Total())
	assert.True(t, Presence{false, false, true, false}.Any())
	assert.False(t, Presence{}.Any())

	p := Weights{1.5, 1, 1.5, 1}.Priorities(Occupancy{1, 2, 2, 3})
	assert.Equal(t, [Count]float64{1.5, 2, 3, 3}, p)
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "2,3,1,0", Order{2, 3, 1, 0}.String())
	assert.Equal(t, []int{3, 4, 2, 1}, Order{2, 3, 1, 0}.Labels())
	assert.Equal(t, "2,4,4,6", Durations{2, 4, 4, 6}.String())
	assert.Equal(t, 16, Durations{2, 4, 4, 6}.Total())
}
