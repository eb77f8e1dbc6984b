package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	app "github.com/wattwise/energy-monitor/internal/app"
	"github.com/wattwise/energy-monitor/internal/auth"
	"github.com/wattwise/energy-monitor/internal/platform/identity"
	"github.com/wattwise/energy-monitor/internal/platform/mailer"
	"github.com/wattwise/energy-monitor/internal/platform/objectstore"
	"github.com/wattwise/energy-monitor/internal/platform/pubsub"
	"github.com/wattwise/energy-monitor/pkg/logger"
)

const (
	testSecret   = "router-test-secret"
	testIssuer   = "http://local.test"
	testPrefix   = "/prod"
	testEmail    = "user@example.com"
	testPassword = "Sup3r-secret"
)

type testServer struct {
	handler *Handler
	mail    *mailer.Log
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := logger.NewDiscard()
	mail := mailer.NewLog(log)
	topic := pubsub.NewMemory(log)

	application, err := app.New(app.Deps{
		Objects:      objectstore.NewMemory("http://example.test" + testPrefix),
		Publisher:    topic,
		Subscriber:   topic,
		Identity:     identity.NewLocal(identity.LocalConfig{Secret: testSecret, Issuer: testIssuer}, mail),
		Mail:         mail,
		Validator:    auth.NewValidator(testIssuer, auth.WithKeySource(auth.StaticKey(testSecret))),
		UploadURLTTL: time.Minute,
		Origins:      []string{"*"},
	}, log)
	require.NoError(t, err)

	h, err := NewHandler(application, Options{
		Prefix:        testPrefix,
		Origins:       []string{"*"},
		AuthRateLimit: 1000,
		AuthRateBurst: 1000,
		LocalUploads:  true,
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	return &testServer{handler: h, mail: mail}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func jsonRequest(method, path string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

type session struct {
	AccessToken string `json:"accessToken"`
	IDToken     string `json:"idToken"`
	refresh     *http.Cookie
}

func (s session) authorize(req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer "+s.AccessToken)
	req.Header.Set(auth.IDTokenHeader, s.IDToken)
	return req
}

func lastCode(t *testing.T, mail *mailer.Log) string {
	t.Helper()
	sent := mail.Sent()
	require.NotEmpty(t, sent)
	text := sent[len(sent)-1].Text
	return text[strings.LastIndex(text, " ")+1:]
}

// signIn registers, verifies and logs in the test user.
func signIn(t *testing.T, s *testServer) session {
	t.Helper()
	creds := map[string]string{"email": testEmail, "password": testPassword}

	rec := s.do(jsonRequest(http.MethodPost, testPrefix+"/auth/signup", creds))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(jsonRequest(http.MethodPost, testPrefix+"/auth/verify", map[string]string{
		"email": testEmail,
		"code":  lastCode(t, s.mail),
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(jsonRequest(http.MethodPost, testPrefix+"/auth/login", creds))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var sess session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	require.NotEmpty(t, sess.AccessToken)
	require.NotEmpty(t, sess.IDToken)
	for _, c := range rec.Result().Cookies() {
		if c.Name == refreshCookie {
			sess.refresh = c
		}
	}
	require.NotNil(t, sess.refresh, "login must set the refresh cookie")
	return sess
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestAuthFlow(t *testing.T) {
	s := newTestServer(t)
	sess := signIn(t, s)

	assert.True(t, sess.refresh.HttpOnly)
	assert.True(t, sess.refresh.Secure)
	assert.Equal(t, http.SameSiteStrictMode, sess.refresh.SameSite)
	assert.Equal(t, testPrefix+"/auth", sess.refresh.Path)

	req := jsonRequest(http.MethodPost, testPrefix+"/auth/refresh", nil)
	req.AddCookie(&http.Cookie{Name: refreshCookie, Value: sess.refresh.Value})
	rec := s.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decodeBody(t, rec)["accessToken"])

	rec = s.do(jsonRequest(http.MethodPost, testPrefix+"/auth/refresh", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(jsonRequest(http.MethodPost, testPrefix+"/auth/logout", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Logged out successfully", decodeBody(t, rec)["message"])
	cleared := rec.Result().Cookies()
	require.Len(t, cleared, 1)
	assert.Equal(t, refreshCookie, cleared[0].Name)
	assert.True(t, cleared[0].MaxAge < 0)
	assert.Equal(t, testPrefix+"/auth", cleared[0].Path)
}

func TestRefreshCookiePathFollowsPrefix(t *testing.T) {
	for prefix, want := range map[string]string{"": "/auth", "/prod": "/prod/auth", "/v1/": "/v1/auth"} {
		h := &handler{cookiePath: authCookiePath(prefix)}
		rec := httptest.NewRecorder()
		h.setRefreshCookie(rec, "token", time.Hour)
		cookies := rec.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Equal(t, want, cookies[0].Path, "prefix %q", prefix)
	}
}

func TestAuthRejectsBadInput(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, testPrefix+"/auth/signup", strings.NewReader("{"))
	rec := s.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(jsonRequest(http.MethodPost, testPrefix+"/auth/signup", map[string]string{"email": testEmail}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(jsonRequest(http.MethodPost, testPrefix+"/auth/login", map[string]string{
		"email":    "nobody@example.com",
		"password": testPassword,
	}))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProtectedRoutesRequireTokens(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/energy/history", "/energy/summary", "/energy/download", "/alerts", "/prediction", "/presigned-url"} {
		rec := s.do(httptest.NewRequest(http.MethodGet, testPrefix+path, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestEnergyEndpoints(t *testing.T) {
	s := newTestServer(t)
	sess := signIn(t, s)

	today := time.Now().UTC().Format("2006-01-02")
	for _, in := range []map[string]interface{}{
		{"date": today, "usage": 12.5},
		{"date": "2024-01-02", "usage": 7},
	} {
		rec := s.do(sess.authorize(jsonRequest(http.MethodPost, testPrefix+"/energy/input", in)))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "Energy data saved successfully", decodeBody(t, rec)["message"])
	}

	rec := s.do(sess.authorize(jsonRequest(http.MethodPost, testPrefix+"/energy/input", map[string]interface{}{"date": "2024-01-02"})))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(sess.authorize(httptest.NewRequest(http.MethodGet, testPrefix+"/energy/history?startDate=2024-01-01&endDate=2024-01-31", nil)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := decodeBody(t, rec)["data"].([]interface{})
	assert.Len(t, data, 1)

	rec = s.do(sess.authorize(httptest.NewRequest(http.MethodGet, testPrefix+"/energy/history", nil)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(sess.authorize(httptest.NewRequest(http.MethodGet, testPrefix+"/energy/summary?period=DAILY", nil)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Energy daily summary retrieved successfully", decodeBody(t, rec)["message"])

	rec = s.do(sess.authorize(httptest.NewRequest(http.MethodGet, testPrefix+"/energy/summary?period=yearly", nil)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(sess.authorize(httptest.NewRequest(http.MethodGet, testPrefix+"/energy/download", nil)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "energy-data.csv")
	lines := strings.Split(rec.Body.String(), "\n")
	assert.Equal(t, "Date,Usage", lines[0])
	assert.Len(t, lines, 3)
}

func TestAlertsEndpoint(t *testing.T) {
	s := newTestServer(t)
	sess := signIn(t, s)

	rec := s.do(sess.authorize(httptest.NewRequest(http.MethodGet, testPrefix+"/alerts", nil)))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(sess.authorize(jsonRequest(http.MethodPost, testPrefix+"/alerts", map[string]interface{}{"threshold": "high"})))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(sess.authorize(jsonRequest(http.MethodPost, testPrefix+"/alerts", map[string]interface{}{"threshold": 42.5})))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Threshold set successfully", decodeBody(t, rec)["message"])

	rec = s.do(sess.authorize(httptest.NewRequest(http.MethodGet, testPrefix+"/alerts", nil)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 42.5, decodeBody(t, rec)["threshold"])

	rec = s.do(sess.authorize(httptest.NewRequest(http.MethodDelete, testPrefix+"/alerts", nil)))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPredictionWithoutModel(t *testing.T) {
	s := newTestServer(t)
	sess := signIn(t, s)

	rec := s.do(sess.authorize(httptest.NewRequest(http.MethodGet, testPrefix+"/prediction?date=2024-05-01", nil)))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(sess.authorize(httptest.NewRequest(http.MethodGet, testPrefix+"/prediction?date=05/01/2024", nil)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPresignedUploadRoundTrip(t *testing.T) {
	s := newTestServer(t)
	sess := signIn(t, s)

	rec := s.do(sess.authorize(httptest.NewRequest(http.MethodGet, testPrefix+"/presigned-url", nil)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	key := body["fileKey"].(string)
	u, err := url.Parse(body["presignedUrl"].(string))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u.Path, testPrefix+"/uploads/"))

	csv := "Date,Usage\n2024-02-01,3.5\nnot-a-date,1\n2024-02-02,4\n"
	req := httptest.NewRequest(http.MethodPut, u.RequestURI(), strings.NewReader(csv))
	req.Header.Set("Content-Type", "text/csv")
	rec = s.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody(t, rec)
	assert.Equal(t, key, res["fileKey"])
	assert.Equal(t, float64(2), res["stored"])
	assert.Equal(t, float64(1), res["skipped"])

	rec = s.do(sess.authorize(httptest.NewRequest(http.MethodGet, testPrefix+"/energy/history?startDate=2024-02-01&endDate=2024-02-28", nil)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["data"], 2)

	expired := httptest.NewRequest(http.MethodPut, u.Path+"?expires=2000-01-01T00:00:00Z", strings.NewReader(csv))
	rec = s.do(expired)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestUploadRejectsUnsignedAndTamperedURLs(t *testing.T) {
	s := newTestServer(t)
	sess := signIn(t, s)

	rec := s.do(sess.authorize(httptest.NewRequest(http.MethodGet, testPrefix+"/presigned-url", nil)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	u, err := url.Parse(decodeBody(t, rec)["presignedUrl"].(string))
	require.NoError(t, err)
	signed := u.Query()

	// Another key in the same user's folder.
	dir := u.Path[:strings.LastIndex(u.Path, "/")]
	foreign := dir + "/injected.csv"
	csv := "Date,Usage\n2024-03-01,999\n"

	cases := []struct {
		name  string
		path  string
		query url.Values
	}{
		{"no signature", foreign, url.Values{"expires": {"2099-01-01T00:00:00Z"}}},
		{"signature for another key", foreign, signed},
		{"extended expiry", u.Path, url.Values{"expires": {"2099-01-01T00:00:00Z"}, "signature": signed["signature"]}},
		{"garbage signature", u.Path, url.Values{"expires": signed["expires"], "signature": {"zz"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, tc.path+"?"+tc.query.Encode(), strings.NewReader(csv))
			req.Header.Set("Content-Type", "text/csv")
			rec := s.do(req)
			assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
		})
	}

	rec = s.do(sess.authorize(httptest.NewRequest(http.MethodGet, testPrefix+"/energy/history?startDate=2024-03-01&endDate=2024-03-31", nil)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody(t, rec)["data"])
}

func TestAuditTrailIsPerUser(t *testing.T) {
	s := newTestServer(t)
	sess := signIn(t, s)

	s.do(sess.authorize(httptest.NewRequest(http.MethodGet, testPrefix+"/energy/download", nil)))
	rec := s.do(sess.authorize(httptest.NewRequest(http.MethodGet, testPrefix+"/audit", nil)))
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeBody(t, rec)["data"].([]interface{})
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]interface{})
	assert.Equal(t, testPrefix+"/energy/download", entry["path"])
	assert.Equal(t, testEmail, entry["email"])
}

func TestUnknownRouteAndHealth(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(httptest.NewRequest(http.MethodGet, testPrefix+"/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Not Found", decodeBody(t, rec)["message"])

	rec = s.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["websocketConnections"])
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, testPrefix+"/energy/input", nil)
	req.Header.Set("Origin", "http://dashboard.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := s.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
