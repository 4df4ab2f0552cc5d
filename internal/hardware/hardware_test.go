package hardware

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectAlwaysReturnsCores(t *testing.T) {
	p := Detect(context.Background(), nil)
	assert.Greater(t, p.LogicalCores, 0)
}

func TestFrameConcurrency(t *testing.T) {
	tests := []struct {
		name       string
		profile    Profile
		configured int
		want       int
	}{
		{"configured wins", Profile{LogicalCores: 8}, 3, 3},
		{"cores bound", Profile{LogicalCores: 4, AvailableMemMB: 64 * 1024}, 0, 4},
		{"memory bound", Profile{LogicalCores: 16, AvailableMemMB: 1024}, 0, 4},
		{"floor of two", Profile{LogicalCores: 1, AvailableMemMB: 128}, 0, 2},
		{"ceiling of sixteen", Profile{LogicalCores: 64, AvailableMemMB: 0}, 0, 16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.profile.FrameConcurrency(tt.configured))
		})
	}
}

func TestProviderConcurrency(t *testing.T) {
	assert.Equal(t, 5, Profile{}.ProviderConcurrency(5))
	assert.Equal(t, 2, Profile{LogicalCores: 2}.ProviderConcurrency(0))
	assert.Equal(t, 8, Profile{LogicalCores: 64}.ProviderConcurrency(0))
}
