package moderation

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRules_Moderate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    Decision
	}{
		{name: "plain comment", content: "Great post, thanks!", want: Approve},
		{name: "whitespace only", content: "   \n", want: Reject},
		{name: "blocked term any case", content: "Visit my CASINO now", want: Reject},
		{name: "two links allowed", content: "see https://a.example and www.b.example", want: Approve},
		{name: "three links held", content: "http://a http://b https://c", want: Review},
		{name: "too long held", content: strings.Repeat("a", 5001), want: Review},
	}

	rules := DefaultRules()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := rules.Moderate(context.Background(), Input{Content: tt.content})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Decision)
			if tt.want != Approve {
				assert.NotEmpty(t, got.Reason)
			}
		})
	}
}
