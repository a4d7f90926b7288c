package utils

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"outreachly/models"
)

var placeholderPattern = regexp.MustCompile(`\{([a-z_]+)\}`)

// RenderVars is everything a step's subject and body may reference.
type RenderVars struct {
	Influencer     models.Influencer
	Sequence       models.Sequence
	SenderName     string
	UnsubscribeURL string
	Now            time.Time
}

// NewRenderVars builds the variable set for one recipient of a sequence.
func NewRenderVars(baseURL string, seq models.Sequence, inf models.Influencer, senderName string, now time.Time) RenderVars {
	return RenderVars{
		Influencer:     inf,
		Sequence:       seq,
		SenderName:     senderName,
		UnsubscribeURL: UnsubscribeURL(baseURL, seq.ID, inf.ID),
		Now:            now,
	}
}

// Values returns the substitution table keyed by placeholder name.
func (v RenderVars) Values() map[string]string {
	return map[string]string{
		"influencer_name":  v.Influencer.Name,
		"first_name":       firstName(v.Influencer.Name),
		"platform":         v.Influencer.Platform,
		"follower_count":   FormatFollowerCount(v.Influencer.FollowerCount),
		"niche":            v.Influencer.Niche,
		"sequence_name":    v.Sequence.Name,
		"campaign_name":    v.Sequence.CampaignName,
		"brand_name":       v.Sequence.BrandName,
		"unsubscribe_link": v.UnsubscribeURL,
		"sender_name":      v.SenderName,
		"current_date":     v.Now.Format("January 2, 2006"),
	}
}

// RenderContent replaces known {name} placeholders in subject and body.
// Unknown placeholders are kept as written.
func RenderContent(subject, body string, vars RenderVars) (string, string) {
	values := vars.Values()
	return renderString(subject, values), renderString(body, values)
}

func renderString(s string, values map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[1 : len(match)-1]
		if v, ok := values[name]; ok {
			return v
		}
		return match
	})
}

// UnsubscribeURL is the unauthenticated link that unsubscribes an influencer
// from one sequence.
func UnsubscribeURL(baseURL, sequenceID, influencerID string) string {
	q := url.Values{}
	q.Set("seq", sequenceID)
	q.Set("inf", influencerID)
	return strings.TrimRight(baseURL, "/") + "/tracking/unsubscribe?" + q.Encode()
}

// FormatFollowerCount renders counts the way they read on a profile: 950, 12.5K, 1.2M.
func FormatFollowerCount(n int64) string {
	switch {
	case n >= 1_000_000:
		return compactNumber(float64(n)/1_000_000) + "M"
	case n >= 1_000:
		return compactNumber(float64(n)/1_000) + "K"
	}
	return strconv.FormatInt(n, 10)
}

func compactNumber(f float64) string {
	s := fmt.Sprintf("%.1f", f)
	return strings.TrimSuffix(s, ".0")
}

func firstName(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
