package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	controller "outreachly/controllers"
	"outreachly/models"
	"outreachly/services"
	"outreachly/store"
	"outreachly/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const jwtSecret = "test-jwt-secret"

type testServer struct {
	app       *fiber.App
	store     *store.MemoryStore
	sequences *services.SequenceService
}

func newTestServer(t *testing.T, rateLimit int) *testServer {
	t.Helper()
	utils.InitLogger("test", "error")

	st := store.NewMemoryStore()
	seqs := services.NewSequenceService(st, "tracking-secret")
	tracking := services.NewTrackingService(st, seqs)

	app := fiber.New()
	SetupRoutes(app, Options{
		Sequences:         controller.NewSequenceController(seqs),
		Tracking:          controller.NewTrackingController(tracking),
		JWTSecret:         jwtSecret,
		TrackingRateLimit: rateLimit,
		Health:            func() fiber.Map { return fiber.Map{"scheduler": "running"} },
	})
	return &testServer{app: app, store: st, sequences: seqs}
}

func token(t *testing.T, brand string) string {
	t.Helper()
	tok, err := utils.GenerateJWTToken(jwtSecret, brand, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, target, brand string, body interface{}) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if brand != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, brand))
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func createBody() map[string]interface{} {
	return map[string]interface{}{
		"campaign_id":   "camp-1",
		"campaign_name": "Glow Serum",
		"name":          "Spring launch",
		"steps": []map[string]interface{}{
			{"custom_subject": "Hi {first_name}", "custom_body": "Intro"},
			{"custom_subject": "Follow up", "custom_body": "Ping", "delay_days": 3},
		},
		"recipients": []map[string]interface{}{
			{"influencer_id": "inf-1", "email": "ada@example.com"},
		},
	}
}

// startedSequence creates and starts a sequence through the API and returns
// its id and first job.
func (s *testServer) startedSequence(t *testing.T) (string, models.EmailJob) {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/api/v1/sequences", "brand-1", createBody())
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	var seq models.Sequence
	decode(t, resp, &seq)

	resp = s.do(t, http.MethodPost, "/api/v1/sequences/"+seq.ID+"/start", "brand-1", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	resp.Body.Close()

	jobs, err := s.store.ListJobs(context.Background(), store.JobFilter{SequenceID: seq.ID})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	return seq.ID, jobs[0]
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, 0)
	resp := s.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body map[string]string
	decode(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "running", body["scheduler"])
}

func TestNotFoundHandler(t *testing.T) {
	s := newTestServer(t, 0)
	resp := s.do(t, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestAPI_RequiresToken(t *testing.T) {
	s := newTestServer(t, 0)

	resp := s.do(t, http.MethodGet, "/api/v1/sequences", "", nil)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sequences", nil)
	req.Header.Set("Authorization", "Token abc")
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/sequences", nil)
	req.AddCookie(&http.Cookie{Name: "access_token", Value: token(t, "brand-1")})
	resp, err = s.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestAPI_SequenceLifecycle(t *testing.T) {
	s := newTestServer(t, 0)

	resp := s.do(t, http.MethodPost, "/api/v1/sequences", "brand-1", createBody())
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	var seq models.Sequence
	decode(t, resp, &seq)
	assert.Equal(t, "brand-1", seq.BrandID)
	assert.Equal(t, models.SequenceDraft, seq.Status)
	assert.Len(t, seq.Steps, 2)

	var list []models.Sequence
	decode(t, s.do(t, http.MethodGet, "/api/v1/sequences", "brand-1", nil), &list)
	assert.Len(t, list, 1)
	decode(t, s.do(t, http.MethodGet, "/api/v1/sequences", "brand-2", nil), &list)
	assert.Empty(t, list)

	resp = s.do(t, http.MethodGet, "/api/v1/sequences/"+seq.ID, "brand-2", nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode, "other brands cannot see it")

	resp = s.do(t, http.MethodPost, "/api/v1/sequences/"+seq.ID+"/start", "brand-1", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var started map[string]interface{}
	decode(t, resp, &started)
	assert.Equal(t, float64(1), started["scheduled_jobs"])

	resp = s.do(t, http.MethodPost, "/api/v1/sequences/"+seq.ID+"/start", "brand-1", nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/api/v1/sequences/"+seq.ID+"/analytics", "brand-1", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var analytics services.SequenceAnalytics
	decode(t, resp, &analytics)
	assert.Equal(t, 1, analytics.Jobs[models.JobScheduled])
	assert.Equal(t, models.SequenceActive, analytics.Status)

	resp = s.do(t, http.MethodPost, "/api/v1/sequences/"+seq.ID+"/pause", "brand-1", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var paused map[string]interface{}
	decode(t, resp, &paused)
	assert.Equal(t, float64(1), paused["cancelled_jobs"])

	resp = s.do(t, http.MethodDelete, "/api/v1/sequences/"+seq.ID, "brand-2", nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp = s.do(t, http.MethodDelete, "/api/v1/sequences/"+seq.ID, "brand-1", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	resp = s.do(t, http.MethodDelete, "/api/v1/sequences/"+seq.ID, "brand-1", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode, "deleting twice succeeds")

	resp = s.do(t, http.MethodGet, "/api/v1/sequences/"+seq.ID, "brand-1", nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestAPI_CreateValidation(t *testing.T) {
	s := newTestServer(t, 0)

	body := createBody()
	body["steps"] = []map[string]interface{}{}
	resp := s.do(t, http.MethodPost, "/api/v1/sequences", "brand-1", body)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sequences", bytes.NewReader([]byte("{")))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token(t, "brand-1"))
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestAPI_LiveRequiresUpgrade(t *testing.T) {
	s := newTestServer(t, 0)
	resp := s.do(t, http.MethodGet, "/api/v1/sequences/abc/live", "brand-1", nil)
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}

func TestTracking_OpenPixel(t *testing.T) {
	s := newTestServer(t, 0)
	seqID, job := s.startedSequence(t)

	for i := 0; i < 2; i++ {
		resp := s.do(t, http.MethodGet, "/tracking/"+job.TrackingID+"/open", "", nil)
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
		assert.Equal(t, "image/gif", resp.Header.Get("Content-Type"))
		assert.Contains(t, resp.Header.Get("Cache-Control"), "no-cache")
		assert.Equal(t, string(utils.TransparentPixel), readBody(t, resp))
	}

	resp := s.do(t, http.MethodGet, "/tracking/unknown/open", "", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode, "unknown ids still get the pixel")

	seq, err := s.store.GetSequence(context.Background(), seqID)
	require.NoError(t, err)
	assert.Equal(t, 1, seq.Opens)
}

func TestTracking_Click(t *testing.T) {
	s := newTestServer(t, 0)
	seqID, job := s.startedSequence(t)
	target := "https://lumen.example/offer?a=1"

	resp := s.do(t, http.MethodGet, "/tracking/"+job.TrackingID+"/click?url="+url.QueryEscape(target), "", nil)
	assert.Equal(t, fiber.StatusFound, resp.StatusCode)
	assert.Equal(t, target, resp.Header.Get("Location"))

	resp = s.do(t, http.MethodGet, "/tracking/unknown/click", "", nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/tracking/unknown/click?url="+url.QueryEscape(target), "", nil)
	assert.Equal(t, fiber.StatusFound, resp.StatusCode, "unknown ids still redirect")

	resp = s.do(t, http.MethodGet, "/tracking/"+job.TrackingID+"/click?url="+url.QueryEscape("javascript:alert(1)"), "", nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	seq, err := s.store.GetSequence(context.Background(), seqID)
	require.NoError(t, err)
	assert.Equal(t, 1, seq.Clicks)
}

func TestTracking_Response(t *testing.T) {
	s := newTestServer(t, 0)
	seqID, _ := s.startedSequence(t)

	resp := s.do(t, http.MethodPost, "/tracking/response", "", map[string]interface{}{
		"sequence_id":   seqID,
		"influencer_id": "inf-1",
		"response_type": "reply",
		"message":       "Interested!",
	})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	var created models.InfluencerResponse
	decode(t, resp, &created)
	assert.Equal(t, models.ResponseReply, created.ResponseType)

	resp = s.do(t, http.MethodPost, "/tracking/response", "", map[string]interface{}{
		"sequence_id":   seqID,
		"influencer_id": "inf-1",
		"response_type": "maybe",
	})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/tracking/response", "", map[string]interface{}{
		"sequence_id":   "missing",
		"influencer_id": "inf-1",
		"response_type": "reply",
	})
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestTracking_Unsubscribe(t *testing.T) {
	s := newTestServer(t, 0)
	seqID, job := s.startedSequence(t)

	resp := s.do(t, http.MethodGet, "/tracking/unsubscribe?seq="+seqID, "", nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "Invalid link")

	resp = s.do(t, http.MethodGet, "/tracking/unsubscribe?seq="+seqID+"&inf=inf-404", "", nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/tracking/unsubscribe?seq="+seqID+"&inf=inf-1", "", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, readBody(t, resp), "You have been unsubscribed")

	got, err := s.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, got.Status)
}

func TestTracking_RateLimit(t *testing.T) {
	s := newTestServer(t, 2)
	_, job := s.startedSequence(t)

	for i := 0; i < 2; i++ {
		resp := s.do(t, http.MethodGet, "/tracking/unsubscribe?seq=x", "", nil)
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	}
	resp := s.do(t, http.MethodGet, "/tracking/unsubscribe?seq=x", "", nil)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/tracking/"+job.TrackingID+"/open", "", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode, "the pixel is never limited")
}

func TestTracking_ClickNeverLimited(t *testing.T) {
	s := newTestServer(t, 1)
	_, job := s.startedSequence(t)
	target := "/tracking/" + job.TrackingID + "/click?url=" + url.QueryEscape("https://lumen.example")

	for i := 0; i < 3; i++ {
		resp := s.do(t, http.MethodGet, target, "", nil)
		assert.Equal(t, fiber.StatusFound, resp.StatusCode, "click %d", i+1)
		assert.Equal(t, "https://lumen.example", resp.Header.Get("Location"))
	}
}
