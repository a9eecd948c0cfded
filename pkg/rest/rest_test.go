package rest_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jitsi-go/jicofo/pkg/conference"
	"github.com/jitsi-go/jicofo/pkg/rest"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(logger)
}

type fleetStub int

func (f fleetStub) OperationalCount() int { return int(f) }

type debugStub []conference.DebugState

func (d debugStub) DebugStates() []conference.DebugState { return d }

func get(t *testing.T, server *rest.Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	recorder := httptest.NewRecorder()
	server.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, path, nil))
	return recorder
}

func TestHealth_OperationalBridge(t *testing.T) {
	server := rest.NewServer(fleetStub(2), nil, testLogger())

	response := get(t, server, "/about/health")
	require.Equal(t, http.StatusOK, response.Code)
	assert.JSONEq(t, `{"status":"ok"}`, response.Body.String())
}

func TestHealth_NoOperationalBridges(t *testing.T) {
	server := rest.NewServer(fleetStub(0), nil, testLogger())

	response := get(t, server, "/about/health")
	require.Equal(t, http.StatusServiceUnavailable, response.Code)
	assert.Contains(t, response.Body.String(), "no operational bridges")
}

func TestHealth_NoFleet(t *testing.T) {
	server := rest.NewServer(nil, nil, testLogger())

	response := get(t, server, "/about/health")
	require.Equal(t, http.StatusServiceUnavailable, response.Code)
}

func TestDebugConferences(t *testing.T) {
	states := debugStub{{
		Room:      "orange@conference.example.com",
		MeetingID: "8f7e",
		Participants: []conference.ParticipantDebugState{
			{Endpoint: "abcd1234", State: "established", Sources: 2},
		},
	}}
	server := rest.NewServer(fleetStub(1), states, testLogger())

	response := get(t, server, "/debug/conferences")
	require.Equal(t, http.StatusOK, response.Code)

	var decoded []conference.DebugState
	require.NoError(t, json.Unmarshal(response.Body.Bytes(), &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "orange@conference.example.com", decoded[0].Room)
	assert.Equal(t, "abcd1234", decoded[0].Participants[0].Endpoint)
}

func TestDebugConferences_Empty(t *testing.T) {
	server := rest.NewServer(fleetStub(1), debugStub(nil), testLogger())

	response := get(t, server, "/debug/conferences")
	require.Equal(t, http.StatusOK, response.Code)
	assert.JSONEq(t, `[]`, response.Body.String())
}

func TestDebugConferences_NoFocus(t *testing.T) {
	server := rest.NewServer(fleetStub(1), nil, testLogger())

	response := get(t, server, "/debug/conferences")
	require.Equal(t, http.StatusServiceUnavailable, response.Code)
}

func TestMetrics_Served(t *testing.T) {
	server := rest.NewServer(fleetStub(1), nil, testLogger())

	response := get(t, server, "/metrics")
	require.Equal(t, http.StatusOK, response.Code)
	assert.Contains(t, response.Body.String(), "# HELP")
}
