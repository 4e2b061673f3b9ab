package simple

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPolicyAllowFetch(t *testing.T) {
	t.Parallel()

	p := New("Blocked.example", " ads.test. ", "")
	cases := map[string]bool{
		"https://blocked.example/a":     false,
		"https://www.blocked.example/a": false,
		"https://ads.test":              false,
		"https://notblocked.example":    true,
		"https://example.com/blocked":   true,
	}
	for raw, want := range cases {
		assert.Equal(t, want, p.AllowFetch(raw), raw)
	}
}

func TestEmptyPolicyAllowsEverything(t *testing.T) {
	t.Parallel()

	assert.True(t, New().AllowFetch("https://anything.example"))
	var p *Policy
	assert.True(t, p.AllowFetch("https://anything.example"))
}
