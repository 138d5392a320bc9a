package tokibot

import (
	"encoding/json"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestAPI(t *testing.T) (*Bot, *API) {
	t.Helper()
	bot, _ := newTestBot(t)
	bot.api = newAPI(bot, bot.config.API)
	bot.api.logger = testLogger(t)
	bot.api.handlers.logger = bot.api.logger
	return bot, bot.api
}

func apiGet(t *testing.T, api *API, method string, path string) *httptest.ResponseRecorder {
	t.Helper()
	req, err := http.NewRequest(method, path, nil)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	return w
}

func TestAPI_KeepAlive(t *testing.T) {
	_, api := newTestAPI(t)

	w := apiGet(t, api, http.MethodGet, "/")
	require.Equal(t, http.StatusOK, w.Code)
	var reply httpReply
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reply))
	assert.Equal(t, keepAliveMessage, reply.Message)
	assert.NotEmpty(t, w.Header().Get(xRequestIDHeader))

	w = apiGet(t, api, http.MethodHead, "/")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPI_RequestID(t *testing.T) {
	_, api := newTestAPI(t)
	req, err := http.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, err)
	req.Header.Set(xRequestIDHeader, "abc-123")
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get(xRequestIDHeader))
}

func TestAPI_HealthCheck(t *testing.T) {
	bot, api := newTestAPI(t)
	bot.startedAt = time.Now().Add(-time.Minute)
	bot.discord.handlerConnect()(nil, &discordgo.Connect{})
	bot.discord.addGuild(testGuildID)
	_, err := bot.ledger.Issue("1001", nil, "spam", "2001")
	require.NoError(t, err)

	w := apiGet(t, api, http.MethodGet, apiHealthCheck)
	require.Equal(t, http.StatusOK, w.Code)

	var resp healthCheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.DiscordGatewayConnected)
	assert.Equal(t, 1, resp.Guilds)
	assert.Equal(t, 1, resp.ActiveSanctions)
	assert.NotEmpty(t, resp.Uptime)
}

func TestAPI_Lists(t *testing.T) {
	bot, api := newTestAPI(t)

	w := apiGet(t, api, http.MethodGet, apiPrefix+apiPathSanctions)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	w = apiGet(t, api, http.MethodGet, apiPrefix+apiPathConfessionBans)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	d := time.Hour
	_, err := bot.ledger.Issue("1001", &d, "spam", "2001")
	require.NoError(t, err)
	_, _, err = bot.board.BanUser("1002", nil, "2001")
	require.NoError(t, err)

	w = apiGet(t, api, http.MethodGet, apiPrefix+apiPathSanctions)
	var records []sanctionView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, Snowflake("1001"), records[0].UserID)
	assert.NotNil(t, records[0].EndTime)
	assert.NotContains(t, w.Body.String(), "moderator_id")
	assert.NotContains(t, w.Body.String(), "spam")

	w = apiGet(t, api, http.MethodGet, apiPrefix+apiPathConfessionBans)
	var bans []confessionBanView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bans))
	require.Len(t, bans, 1)
	assert.Equal(t, Snowflake("1002"), bans[0].UserID)
	assert.Nil(t, bans[0].Until)
	assert.NotContains(t, w.Body.String(), "moderator_id")
}

func TestAPI_GetConfession(t *testing.T) {
	bot, api := newTestAPI(t)
	c, err := bot.board.Submit("424242424242", "alice", "a secret nobody should see", testChannelID)
	require.NoError(t, err)
	require.NoError(t, bot.board.AttachLocation(c.ID, testChannelID, "9001", false))
	_, _, err = bot.board.Report(c.ID, "1002", "spam")
	require.NoError(t, err)

	w := apiGet(t, api, http.MethodGet, "/api/confessions/1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "424242424242")
	assert.NotContains(t, w.Body.String(), "alice")
	assert.NotContains(t, w.Body.String(), "secret")

	var detail confessionDetail
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	assert.Equal(t, int64(1), detail.ID)
	assert.Equal(t, Snowflake("9001"), detail.MessageID)
	assert.Equal(t, 1, detail.Reports)

	testCases := []struct {
		path string
		code int
	}{
		{path: "/api/confessions/abc", code: http.StatusBadRequest},
		{path: "/api/confessions/0", code: http.StatusBadRequest},
		{path: "/api/confessions/99", code: http.StatusNotFound},
		{path: "/api/unknown", code: http.StatusNotFound},
	}
	for _, tc := range testCases {
		t.Run(
			tc.path, func(t *testing.T) {
				w := apiGet(t, api, http.MethodGet, tc.path)
				assert.Equal(t, tc.code, w.Code)
				var e httpError
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
				assert.NotEmpty(t, e.Error)
			},
		)
	}
}

func TestAPI_Metrics(t *testing.T) {
	_, api := newTestAPI(t)
	_ = apiGet(t, api, http.MethodGet, "/")

	w := apiGet(t, api, http.MethodGet, apiPathMetrics)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tokibot_api_requests_total")
}
