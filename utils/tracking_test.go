package utils

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTrackingID_StableAndKeyed(t *testing.T) {
	a, err := NewTrackingID("secret", "job-1")
	require.NoError(t, err)
	b, err := NewTrackingID("secret", "job-1")
	require.NoError(t, err)
	other, err := NewTrackingID("secret", "job-2")
	require.NoError(t, err)
	otherKey, err := NewTrackingID("different", "job-1")
	require.NoError(t, err)

	assert.Len(t, a, 32)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, other)
	assert.NotEqual(t, a, otherKey)
}

func TestNewTrackingID_LongSecret(t *testing.T) {
	id, err := NewTrackingID(strings.Repeat("k", 200), "job-1")
	require.NoError(t, err)
	assert.Len(t, id, 32)
}

func TestInjectTracking(t *testing.T) {
	html := `<p>See <a href="https://brand.example/offer?a=1">offer</a> or ` +
		`<a href="mailto:team@brand.example">mail</a> or ` +
		`<a href="https://app.example.com/tracking/unsubscribe?seq=s&inf=i">unsubscribe</a></p>`

	out := InjectTracking(html, "https://app.example.com", "abc123")

	want := `https://app.example.com/tracking/abc123/click?url=` + url.QueryEscape("https://brand.example/offer?a=1")
	assert.Contains(t, out, `<a href="`+want+`">offer</a>`)
	assert.Contains(t, out, `<a href="mailto:team@brand.example">mail</a>`)
	assert.Contains(t, out, `<a href="https://app.example.com/tracking/unsubscribe?seq=s&inf=i">unsubscribe</a>`)
	assert.True(t, strings.HasSuffix(out, `<img src="https://app.example.com/tracking/abc123/open" alt="" width="1" height="1" style="display:none">`))
}

func TestTransparentPixel(t *testing.T) {
	assert.Len(t, TransparentPixel, 43)
	assert.Equal(t, "GIF89a", string(TransparentPixel[:6]))
}
