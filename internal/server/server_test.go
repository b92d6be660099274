package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waxwing-chat/waxwing/internal/config"
	"github.com/waxwing-chat/waxwing/internal/store"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	cfg := &config.Config{
		AllowedOrigins: []string{"*"},
		SendBuffer:     16,
		WriteTimeout:   5 * time.Second,
		PingInterval:   30 * time.Second,
	}

	srv := NewServer(cfg, st, log)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return srv, ts, st
}

func createUser(t *testing.T, ts *httptest.Server, username string) store.User {
	t.Helper()
	body, _ := json.Marshal(CreateUserRequest{Username: username})
	resp, err := http.Post(ts.URL+"/users", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var u store.User
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&u))
	return u
}

func createGroup(t *testing.T, ts *httptest.Server, name string, memberIDs []int64) store.Group {
	t.Helper()
	body, _ := json.Marshal(CreateGroupRequest{GroupName: name, UserIDs: memberIDs})
	resp, err := http.Post(ts.URL+"/groups", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var g store.Group
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&g))
	return g
}

func dial(t *testing.T, ts *httptest.Server, userID int64) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + fmt.Sprintf("/ws/%d", userID)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(payload)
}

func TestHandshakeRejectsUnknownUser(t *testing.T) {
	_, ts, _ := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/42"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGroupCreationRejectsUnknownMembers(t *testing.T) {
	_, ts, _ := newTestServer(t)

	alice := createUser(t, ts, "alice")
	body, _ := json.Marshal(CreateGroupRequest{GroupName: "g", UserIDs: []int64{alice.ID, 999}})
	resp, err := http.Post(ts.URL+"/groups", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPersonalMessageRoundTrip(t *testing.T) {
	srv, ts, _ := newTestServer(t)

	alice := createUser(t, ts, "alice")
	bob := createUser(t, ts, "bob")

	aliceConn := dial(t, ts, alice.ID)
	bobConn := dial(t, ts, bob.ID)

	raw := fmt.Sprintf(`{"type":"personal","message":"hi bob","to_user_id":%d}`, bob.ID)
	require.NoError(t, aliceConn.WriteMessage(websocket.TextMessage, []byte(raw)))

	want := fmt.Sprintf("User #%d (Private): hi bob", alice.ID)
	assert.Equal(t, want, readText(t, bobConn))
	assert.Equal(t, 2, srv.Directory().Len())
}

func TestGroupMessageFanOut(t *testing.T) {
	_, ts, _ := newTestServer(t)

	alice := createUser(t, ts, "alice")
	bob := createUser(t, ts, "bob")
	group := createGroup(t, ts, "pair", []int64{alice.ID, bob.ID})

	aliceConn := dial(t, ts, alice.ID)
	bobConn := dial(t, ts, bob.ID)

	raw := fmt.Sprintf(`{"type":"group","message":"hello all","group_id":%d}`, group.ID)
	require.NoError(t, aliceConn.WriteMessage(websocket.TextMessage, []byte(raw)))

	want := fmt.Sprintf("User #%d says in Group #%d: hello all", alice.ID, group.ID)
	// The sender is part of the member list and receives the broadcast too.
	assert.Equal(t, want, readText(t, aliceConn))
	assert.Equal(t, want, readText(t, bobConn))
}

func TestRoutingErrorKeepsConnectionOpen(t *testing.T) {
	_, ts, _ := newTestServer(t)

	alice := createUser(t, ts, "alice")
	conn := dial(t, ts, alice.ID)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"personal","message":"hi","to_user_id":999}`)))
	assert.Equal(t, "error: user does not exist.", readText(t, conn))

	// Same connection still routes after the error.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"personal","message":"me again","to_user_id":`+fmt.Sprint(alice.ID)+`}`)))
	want := fmt.Sprintf("User #%d (Private): me again", alice.ID)
	assert.Equal(t, want, readText(t, conn))
}

func TestDisconnectDeregistersAndNotifiesGroup(t *testing.T) {
	srv, ts, _ := newTestServer(t)

	alice := createUser(t, ts, "alice")
	bob := createUser(t, ts, "bob")
	createGroup(t, ts, "pair", []int64{alice.ID, bob.ID})

	aliceConn := dial(t, ts, alice.ID)
	bobConn := dial(t, ts, bob.ID)

	require.Eventually(t, func() bool { return srv.Directory().Len() == 2 }, time.Second, 10*time.Millisecond)

	aliceConn.Close()

	want := fmt.Sprintf("User #%d has left the chat", alice.ID)
	assert.Equal(t, want, readText(t, bobConn))
	require.Eventually(t, func() bool { return srv.Directory().Len() == 1 }, time.Second, 10*time.Millisecond)
	assert.Nil(t, srv.Directory().Lookup(alice.ID))
}
