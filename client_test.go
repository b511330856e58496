package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordedRequest is what the test server saw.
type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   []byte
}

type testServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
}

func newTestServer(t *testing.T, routes map[string]http.HandlerFunc) *testServer {
	t.Helper()
	ts := &testServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body))
		ts.mu.Lock()
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Auth:   r.Header.Get("Authorization"),
			Body:   body,
		})
		ts.mu.Unlock()

		h, ok := routes[r.Method+" "+r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) last() recordedRequest {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.requests[len(ts.requests)-1]
}

func jsonReply(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}
}

func newTestClient(t *testing.T, ts *testServer) *Client {
	t.Helper()
	log, _ := nullLogger()
	cfg := testConfig()
	cfg.Server.BaseURL = ts.URL + "/"
	return NewClient(cfg, WithLogger(log))
}

// ============================================================================
// Listings
// ============================================================================

func TestClientListConversations(t *testing.T) {
	ts := newTestServer(t, map[string]http.HandlerFunc{
		"GET /api/chat/conversations/": jsonReply(`[
			{"id":"c1","user":{"id":"bob","username":"bob"},"last_message":"hi","last_activity_at":"2026-03-01T10:00:00Z","unread_count":2},
			{"id":"c2","user":{"id":"carol","username":"carol"}}
		]`),
		"GET /api/chat/groups/": jsonReply(`{"count":1,"results":[{"id":"g1","name":"Team"}]}`),
	})
	c := newTestClient(t, ts)

	private, err := c.ListPrivateConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, private, 2)
	assert.Equal(t, bobKey, private[0].Key())
	assert.Equal(t, "hi", private[0].LastMessagePreview)
	assert.Equal(t, 2, private[0].UnreadCount)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), private[0].LastActivityAt.UTC())
	assert.True(t, private[1].LastActivityAt.IsZero())
	assert.Equal(t, "Bearer tok", ts.last().Auth)

	groups, err := c.ListGroupConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, KeyFor(KindGroup, "g1"), groups[0].Key())
	assert.Equal(t, "Team", groups[0].Title())
}

func TestClientFetchMessages(t *testing.T) {
	ts := newTestServer(t, map[string]http.HandlerFunc{
		"GET /api/chat/messages/private/bob/": jsonReply(`[
			{"id":1,"sender":{"id":"bob","username":"bob"},"content":"hi","created_at":"2026-03-01T10:00:00Z"},
			{"id":2,"sender_id":"me","content":"yo","reply_to_id":1,"reactions":{"like":["bob"]},"is_edited":true}
		]`),
		"GET /api/chat/messages/group/g1/": jsonReply(`{"results":[]}`),
	})
	c := newTestClient(t, ts)

	msgs, err := c.FetchMessages(context.Background(), bobKey)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, []string{"1", "2"}, ids(msgs))
	assert.Equal(t, "bob", msgs[0].Sender.ID)
	assert.Equal(t, "me", msgs[1].Sender.ID)
	assert.EqualValues(t, 1, msgs[1].ReplyToID)
	assert.True(t, msgs[1].Edited)
	assert.Equal(t, []string{"bob"}, msgs[1].Reactions["like"])
	assert.Equal(t, bobKey, msgs[1].ConversationKey)

	msgs, err = c.FetchMessages(context.Background(), KeyFor(KindGroup, "g1"))
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = c.FetchMessages(context.Background(), ConversationKey("channel:x"))
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestClientSearch(t *testing.T) {
	ts := newTestServer(t, map[string]http.HandlerFunc{
		"GET /api/chat/search/": jsonReply(`{"users":[{"id":"u-2","username":"bob"}],"groups":[{"id":"g2","name":"Bobs"}]}`),
	})
	c := newTestClient(t, ts)

	res, err := c.Search(context.Background(), "bob smith")
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, KindPrivate, res[0].Kind)
	assert.Equal(t, "u-2", res[0].CounterpartID())
	assert.Equal(t, KindGroup, res[1].Kind)
	assert.Equal(t, "g2", res[1].CounterpartID())
	assert.Equal(t, "q=bob+smith", ts.last().Query)
}

// ============================================================================
// Message requests
// ============================================================================

func TestClientMessageRequests(t *testing.T) {
	ts := newTestServer(t, map[string]http.HandlerFunc{
		"POST /api/chat/message-requests/": func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, `{"id":"r1","sender":{"id":"me"},"receiver":{"id":"carol"},"content":"hi"}`)
		},
		"GET /api/chat/message-requests/":            jsonReply(`[{"id":"r1","sender":{"id":"dave"},"receiver":{"id":"me"}}]`),
		"POST /api/chat/message-requests/r1/accept/": jsonReply(`{}`),
		"POST /api/chat/message-requests/r2/reject/": jsonReply(`{}`),
	})
	c := newTestClient(t, ts)

	mr, err := c.CreateMessageRequest(context.Background(), "carol", "hi")
	require.NoError(t, err)
	assert.Equal(t, "r1", mr.ID)
	assert.Equal(t, "carol", mr.To.ID)

	var body createRequestBody
	require.NoError(t, json.Unmarshal(ts.last().Body, &body))
	assert.Equal(t, createRequestBody{ReceiverID: "carol", Content: "hi"}, body)

	reqs, err := c.PendingRequests(context.Background())
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "dave", reqs[0].From.ID)

	require.NoError(t, c.RespondRequest(context.Background(), "r1", true))
	require.NoError(t, c.RespondRequest(context.Background(), "r2", false))
	assert.Equal(t, "/api/chat/message-requests/r2/reject/", ts.last().Path)
}

// ============================================================================
// Errors
// ============================================================================

func TestClientAPIErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		code    string
		message string
	}{
		{"code and message", http.StatusForbidden, `{"code":"blocked","message":"user blocked you"}`, "blocked", "user blocked you"},
		{"detail", http.StatusUnauthorized, `{"detail":"Invalid token."}`, "", "Invalid token."},
		{"error", http.StatusBadRequest, `{"error":"bad query"}`, "", "bad query"},
		{"plain text", http.StatusBadGateway, "upstream down\n", "", "upstream down"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, map[string]http.HandlerFunc{
				"GET /api/chat/groups/": func(w http.ResponseWriter, _ *http.Request) {
					w.WriteHeader(tt.status)
					_, _ = io.WriteString(w, tt.body)
				},
			})
			c := newTestClient(t, ts)

			_, err := c.ListGroupConversations(context.Background())
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.code, apiErr.Code)
			assert.Equal(t, tt.message, apiErr.Message)
		})
	}
}

func TestClientRequestTimeout(t *testing.T) {
	release := make(chan struct{})
	ts := newTestServer(t, map[string]http.HandlerFunc{
		"GET /api/chat/groups/": func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		},
	})
	defer close(release)
	c := newTestClient(t, ts)
	c.requestTimeout = 20 * time.Millisecond

	_, err := c.ListGroupConversations(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClientWithoutToken(t *testing.T) {
	ts := newTestServer(t, map[string]http.HandlerFunc{
		"GET /api/chat/groups/": jsonReply(`[]`),
	})
	log, _ := nullLogger()
	cfg := testConfig()
	cfg.Server.BaseURL = ts.URL
	cfg.Auth.Token = ""
	c := NewClient(cfg, WithLogger(log))

	_, err := c.ListGroupConversations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ts.last().Auth)
}

// ============================================================================
// Upload
// ============================================================================

func TestClientUploadAttachment(t *testing.T) {
	var (
		gotName, gotType string
		gotData          []byte
	)
	ts := newTestServer(t, map[string]http.HandlerFunc{
		"POST /api/chat/attachments/": func(w http.ResponseWriter, r *http.Request) {
			f, hdr, err := r.FormFile("file")
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			gotName, gotType = hdr.Filename, hdr.Header.Get("Content-Type")
			gotData, _ = io.ReadAll(f)
			_, _ = io.WriteString(w, `{"id":"att-1","url":"https://cdn.test/att-1"}`)
		},
	})
	c := newTestClient(t, ts)

	var (
		lastSent, lastTotal int64
		calls               int
	)
	att, err := c.UploadAttachment(context.Background(), AttachmentFile{Name: "photo.PNG", Data: []byte("pixels")},
		func(sent, total int64) {
			calls++
			lastSent, lastTotal = sent, total
		})
	require.NoError(t, err)

	assert.Equal(t, "att-1", att.ID)
	assert.Equal(t, "photo.PNG", att.Name, "name filled from the file")
	assert.Equal(t, "image/png", att.MIME)
	assert.Equal(t, "photo.PNG", gotName)
	assert.Equal(t, "image/png", gotType)
	assert.Equal(t, []byte("pixels"), gotData)
	assert.Positive(t, calls)
	assert.Equal(t, lastTotal, lastSent, "progress ends at the full body")
}

func TestClientUploadRequiresName(t *testing.T) {
	c := NewClient(testConfig())
	_, err := c.UploadAttachment(context.Background(), AttachmentFile{Data: []byte("x")}, nil)
	assert.Error(t, err)
}

func TestGuessMimeType(t *testing.T) {
	tests := map[string]string{
		"notes.md":    "text/markdown",
		"clip.webm":   "video/webm",
		"report.pdf":  "application/pdf",
		"a.JPG":       "image/jpeg",
		"README":      "application/octet-stream",
		"blob.zzzzzz": "application/octet-stream",
	}
	for name, want := range tests {
		assert.Equal(t, want, guessMimeType(name), name)
	}
}
