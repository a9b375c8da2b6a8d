package extraction

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		kind      string
		selectors []string
		want      Mode
		wantErr   string
	}{
		{name: "default article", kind: "", want: Mode{Kind: ModeArticle}},
		{name: "case folded", kind: " Full ", want: Mode{Kind: ModeFull}},
		{name: "custom", kind: "custom", selectors: []string{"h1"}, want: Mode{Kind: ModeCustom, Selectors: []string{"h1"}}},
		{name: "custom without selectors", kind: "custom", wantErr: "requires at least one selector"},
		{name: "selectors on article", kind: "article", selectors: []string{"p"}, wantErr: "only valid"},
		{name: "blank selector", kind: "custom", selectors: []string{" "}, wantErr: "must not be blank"},
		{name: "unknown", kind: "summary", wantErr: "unknown extraction mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseMode(tt.kind, tt.selectors)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestJobStatusTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, JobStatusQueued.Terminal())
	require.False(t, JobStatusRunning.Terminal())
	require.True(t, JobStatusSucceeded.Terminal())
	require.True(t, JobStatusFailed.Terminal())
	require.True(t, JobStatusCanceled.Terminal())
}
