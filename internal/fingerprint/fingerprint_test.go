package fingerprint

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	f := New(0)
	tests := []struct {
		in   string
		want string
	}{
		{"Apple Beats Estimates!", "apple beats estimates"},
		{"  Apple -- beats\t\testimates...  ", "apple beats estimates"},
		{"<p>Apple <b>beats</b> estimates</p>", "apple beats estimates"},
		{"AT&amp;T raises guidance", "at t raises guidance"},
		{"ＡＰＰＬＥ ｑ３", "apple q3"},
		{"STRASSE Straße", "strasse strasse"},
		{"", ""},
		{"!!!", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, f.Normalize(tt.in))
		})
	}
}

var sum = New(0).Sum

func TestSum_Deterministic(t *testing.T) {
	t.Parallel()

	a := sum("Apple beats estimates", "Shares rose 5% after hours.")
	b := sum("Apple beats estimates", "Shares rose 5% after hours.")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestSum_IgnoresEditorialNoise(t *testing.T) {
	t.Parallel()

	a := sum("Apple Beats Estimates", "Shares rose 5% after hours.")
	b := sum("<h1>apple beats estimates!</h1>", "  SHARES rose 5%, after-hours ")
	assert.Equal(t, a, b)
}

func TestSum_DistinguishesContent(t *testing.T) {
	t.Parallel()

	assert.NotEqual(t, sum("Apple beats", "x"), sum("Apple misses", "x"))
	assert.NotEqual(t, sum("Apple beats", "x"), sum("Apple beats", "y"))
	// Title and body are separated so text cannot slide between them.
	assert.NotEqual(t, sum("ab", "c"), sum("a", "bc"))
}

func TestSum_BoundedBodyPrefix(t *testing.T) {
	t.Parallel()

	f := New(20)
	base := strings.Repeat("market update ", 2)
	a := f.Sum("Fed holds rates", base+"first syndicated ending")
	b := f.Sum("Fed holds rates", base+"a different mirror ending")
	assert.Equal(t, a, b, "differences past the prefix must not matter")

	assert.NotEqual(t, a, New(200).Sum("Fed holds rates", base+"first syndicated ending"))
}

func TestTruncateRunes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "héll", truncateRunes("héllo", 4))
	assert.Equal(t, "héllo", truncateRunes("héllo", 10))
	assert.Equal(t, "", truncateRunes("héllo", 0))
}
