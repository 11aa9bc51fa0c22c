package chatsync

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPClient(t *testing.T) {
	t.Run("send posts the client id and returns the server message", func(t *testing.T) {
		var gotPath, gotAuth string
		var gotBody map[string]any
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.Method + " " + r.URL.Path
			gotAuth = r.Header.Get("Authorization")
			data, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(data, &gotBody)
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"ok":true,"data":{"conversationId":"C123","message":{"id":"m1","senderId":"u-me","content":"hi","createdAt":"2026-01-01T12:00:00Z"}}}`)
		}))
		defer srv.Close()

		c := NewHTTPClient("tok", WithBaseURL(srv.URL))
		m, err := c.SendMessage(context.Background(), "C123", "hi", SendOptions{ClientID: "local-1", ReplyToMessageID: "m0"})
		require.NoError(t, err)
		require.Equal(t, "POST /api/im/messages/C123", gotPath)
		require.Equal(t, "Bearer tok", gotAuth)
		require.Equal(t, "local-1", gotBody["clientId"])
		require.Equal(t, "m0", gotBody["parentId"])
		require.Equal(t, "text", gotBody["type"])

		require.Equal(t, "m1", m.ID)
		require.Equal(t, "C123", m.ConversationID)
		require.Equal(t, DeliverySent, m.State)
	})

	t.Run("error envelopes become classified API errors", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"ok":false,"error":{"code":"NOT_FOUND","message":"no such message"}}`)
		}))
		defer srv.Close()

		c := NewHTTPClient("tok", WithBaseURL(srv.URL))
		err := c.DeleteMessage(context.Background(), "C1", "m1")
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, http.StatusNotFound, apiErr.Status)
		require.Equal(t, "NOT_FOUND", apiErr.Code)
		require.True(t, IsStaleReference(err))
	})

	t.Run("delete answered with no content succeeds", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodDelete, r.Method)
			w.WriteHeader(http.StatusNoContent)
		}))
		defer srv.Close()

		c := NewHTTPClient("tok", WithBaseURL(srv.URL))
		require.NoError(t, c.DeleteMessage(context.Background(), "C1", "m1"))
	})

	t.Run("ok false on a 2xx body is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"ok":false,"error":{"code":"INVALID","message":"bad"}}`)
		}))
		defer srv.Close()

		c := NewHTTPClient("tok", WithBaseURL(srv.URL))
		err := c.DeleteMessage(context.Background(), "C1", "m1")
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, "INVALID", apiErr.Code)
	})

	t.Run("missing error body still carries the status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		c := NewHTTPClient("tok", WithBaseURL(srv.URL))
		_, err := c.EditMessage(context.Background(), "C1", "m1", "x")
		require.Equal(t, KindTransient, Classify(err))
	})

	t.Run("get message maps not found to nil", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/api/im/message/m9", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"ok":false,"error":{"code":"NOT_FOUND","message":"gone"}}`)
		}))
		defer srv.Close()

		m, err := NewHTTPClient("tok", WithBaseURL(srv.URL)).GetMessage(context.Background(), "m9")
		require.NoError(t, err)
		require.Nil(t, m)
	})

	t.Run("list messages passes the cursor", func(t *testing.T) {
		var gotCursor string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotCursor = r.URL.Query().Get("cursor")
			_, _ = io.WriteString(w, `{"ok":true,"data":{"messages":[{"id":"m1","content":"a"},{"id":"m2","content":"b"}],"hasMore":true,"nextCursor":"c2"}}`)
		}))
		defer srv.Close()

		page, err := NewHTTPClient("tok", WithBaseURL(srv.URL)).ListMessages(context.Background(), "C1", "c1")
		require.NoError(t, err)
		require.Equal(t, "c1", gotCursor)
		require.True(t, page.HasMore)
		require.Equal(t, "c2", page.NextCursor)
		require.Equal(t, []string{"m1", "m2"}, messageIDs(page.Messages))
		require.Equal(t, "C1", page.Messages[0].ConversationID)
	})

	t.Run("mark read and list conversations", func(t *testing.T) {
		var readBody map[string][]string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/api/im/conversations/C1/read":
				data, _ := io.ReadAll(r.Body)
				_ = json.Unmarshal(data, &readBody)
				_, _ = io.WriteString(w, `{"ok":true}`)
			case "/api/im/conversations":
				require.Equal(t, "true", r.URL.Query().Get("withUnread"))
				_, _ = io.WriteString(w, `{"ok":true,"data":{"direct":[{"id":"C1","type":"direct","unreadCount":2}],"groups":[]}}`)
			default:
				w.WriteHeader(http.StatusNotFound)
			}
		}))
		defer srv.Close()

		c := NewHTTPClient("tok", WithBaseURL(srv.URL))
		require.NoError(t, c.MarkRead(context.Background(), "C1", []string{"m1", "m2"}))
		require.Equal(t, []string{"m1", "m2"}, readBody["messageIds"])

		list, err := c.ListConversations(context.Background())
		require.NoError(t, err)
		require.Len(t, list.Direct, 1)
		require.Equal(t, 2, list.Direct[0].UnreadCount)
	})

	t.Run("unreachable server is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		c := NewHTTPClient("tok", WithBaseURL(url), WithTimeout(time.Second))
		_, err := c.ListConversations(context.Background())
		var te *TransportError
		require.ErrorAs(t, err, &te)
		require.Equal(t, KindTransient, Classify(err))
	})
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"server error", &APIError{Code: "INTERNAL", Status: 503}, KindTransient},
		{"gone", &APIError{Code: "GONE", Status: 410}, KindStaleReference},
		{"not found code", &APIError{Code: "MESSAGE_NOT_FOUND", Status: 400}, KindStaleReference},
		{"forbidden", &APIError{Code: "FORBIDDEN", Status: 403}, KindRejected},
		{"hydration", ErrHydrationMiss, KindHydrationMiss},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Classify(tc.err))
		})
	}
	require.Equal(t, ErrorKind(""), Classify(nil))
}
