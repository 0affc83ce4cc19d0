package patch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFixType(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    FixType
		wantErr bool
	}{
		{name: "config rollback", input: "config_rollback", want: FixConfigRollback},
		{name: "dependency pin", input: "dependency_pin", want: FixDependencyPin},
		{name: "code patch", input: "code_patch", want: FixCodePatch},
		{name: "restart service", input: "restart_service", want: FixRestartService},
		{name: "resource bump", input: "resource_bump", want: FixResourceBump},
		{name: "unknown", input: "reboot_planet", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFixType(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCorePatchTransitions(t *testing.T) {
	now := time.Now()

	t.Run("pending to applied", func(t *testing.T) {
		p := CorePatch{ID: "p1", Status: StatusPending}
		require.NoError(t, p.MarkApplied(now))
		assert.Equal(t, StatusApplied, p.Status)
		require.NotNil(t, p.AppliedAt)
		assert.Equal(t, now, *p.AppliedAt)
		assert.True(t, p.Terminal())
	})

	t.Run("pending to rejected", func(t *testing.T) {
		p := CorePatch{ID: "p1", Status: StatusPending}
		require.NoError(t, p.MarkRejected())
		assert.Equal(t, StatusRejected, p.Status)
	})

	t.Run("pending to failed records reason", func(t *testing.T) {
		p := CorePatch{ID: "p1", Status: StatusPending}
		require.NoError(t, p.MarkFailed("runner exploded"))
		assert.Equal(t, StatusFailed, p.Status)
		assert.Equal(t, "runner exploded", p.FailureReason)
	})

	t.Run("terminal states refuse further transitions", func(t *testing.T) {
		p := CorePatch{ID: "p1", Status: StatusPending}
		require.NoError(t, p.MarkApplied(now))

		assert.Error(t, p.MarkRejected())
		assert.Error(t, p.MarkFailed("nope"))
		assert.Error(t, p.MarkApplied(now))
		assert.Equal(t, StatusApplied, p.Status)
	})

	t.Run("rejected refuses applied", func(t *testing.T) {
		p := CorePatch{ID: "p1", Status: StatusPending}
		require.NoError(t, p.MarkRejected())
		assert.Error(t, p.MarkApplied(now))
	})
}
