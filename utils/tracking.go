package utils

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// TransparentPixel is a 1x1 transparent GIF.
var TransparentPixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0xff, 0xff, 0xff,
	0x00, 0x00, 0x00, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// NewTrackingID derives the public tracking id of a job. The id is stable for
// a job and cannot be guessed without the secret.
func NewTrackingID(secret, jobID string) (string, error) {
	key := []byte(secret)
	if len(key) > blake2b.Size {
		sum := blake2b.Sum256(key)
		key = sum[:]
	}
	h, err := blake2b.New(16, key)
	if err != nil {
		return "", fmt.Errorf("tracking hash: %w", err)
	}
	h.Write([]byte(jobID))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// OpenPixelURL generates the tracking pixel URL for email opens
func OpenPixelURL(baseURL, trackingID string) string {
	return fmt.Sprintf("%s/tracking/%s/open", strings.TrimRight(baseURL, "/"), trackingID)
}

// ClickTrackURL generates a tracked URL for links
func ClickTrackURL(baseURL, trackingID, originalURL string) string {
	return fmt.Sprintf("%s/tracking/%s/click?url=%s", strings.TrimRight(baseURL, "/"), trackingID, url.QueryEscape(originalURL))
}

// InjectTracking rewrites links for click tracking and appends the open pixel.
func InjectTracking(htmlContent, baseURL, trackingID string) string {
	pixel := fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none">`, OpenPixelURL(baseURL, trackingID))
	return injectClickTracking(htmlContent, baseURL, trackingID) + pixel
}

func injectClickTracking(html, baseURL, trackingID string) string {
	const startTag = `<a href="`
	offset := 0

	for {
		startIdx := strings.Index(html[offset:], startTag)
		if startIdx == -1 {
			break
		}
		startIdx += offset + len(startTag)

		endIdx := strings.Index(html[startIdx:], `"`)
		if endIdx == -1 {
			break
		}
		endIdx += startIdx

		originalURL := html[startIdx:endIdx]
		if !trackableLink(originalURL) {
			offset = endIdx
			continue
		}
		trackedURL := ClickTrackURL(baseURL, trackingID, originalURL)

		html = html[:startIdx] + trackedURL + html[endIdx:]
		offset = startIdx + len(trackedURL)
	}

	return html
}

// Unsubscribe and mailto links stay untouched.
func trackableLink(u string) bool {
	lower := strings.ToLower(u)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return false
	}
	return !strings.Contains(lower, "/tracking/unsubscribe")
}
