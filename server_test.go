package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"i4.energy/across/atmodem/pdu"
)

type fakeQueue struct {
	queued  []Request
	sent    []Request
	err     error
	sendErr error
}

func (q *fakeQueue) Enqueue(r Request) (string, error) {
	if q.err != nil {
		return "", q.err
	}
	q.queued = append(q.queued, r)
	return "id-1", nil
}

func (q *fakeQueue) Send(_ context.Context, r Request) ([]string, error) {
	if q.sendErr != nil {
		return nil, q.sendErr
	}
	q.sent = append(q.sent, r)
	return []string{"12", "13"}, nil
}

type fakeStore struct {
	messages []*pdu.Message
	removed  []int
	err      error
}

func (s *fakeStore) ListMessages(context.Context) ([]*pdu.Message, error) {
	return s.messages, s.err
}

func (s *fakeStore) RemoveMessage(_ context.Context, index int) error {
	if s.err != nil {
		return s.err
	}
	s.removed = append(s.removed, index)
	return nil
}

func newTestServer(q *fakeQueue, s *fakeStore, token string) *Server {
	return &Server{Logger: discardLogger(), Queue: q, Store: s, Token: token}
}

func do(srv http.Handler, method, target, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestServerSMS(t *testing.T) {
	t.Run("Queued", func(t *testing.T) {
		q := &fakeQueue{}
		rec := do(newTestServer(q, &fakeStore{}, ""), http.MethodPost, "/sms", `{"to":"+306912345678","message":"hi"}`)

		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.JSONEq(t, `{"status":"queued","id":"id-1"}`, rec.Body.String())
		require.Len(t, q.queued, 1)
		assert.Equal(t, Request{To: "+306912345678", Message: "hi"}, q.queued[0])
	})

	t.Run("Wait for references", func(t *testing.T) {
		q := &fakeQueue{}
		rec := do(newTestServer(q, &fakeStore{}, ""), http.MethodPost, "/sms?wait=true", `{"id":"a","to":"+1","message":"hi"}`)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"sent","id":"a","references":["12","13"]}`, rec.Body.String())
		assert.Len(t, q.sent, 1)
		assert.Empty(t, q.queued)
	})

	t.Run("Send failure", func(t *testing.T) {
		q := &fakeQueue{sendErr: errors.New("AT+CMGS=20: +CMS ERROR: 500")}
		rec := do(newTestServer(q, &fakeStore{}, ""), http.MethodPost, "/sms?wait=1", `{"to":"+1","message":"hi"}`)

		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Contains(t, rec.Body.String(), "+CMS ERROR: 500")
	})

	t.Run("Queue full", func(t *testing.T) {
		rec := do(newTestServer(&fakeQueue{err: ErrQueueFull}, &fakeStore{}, ""), http.MethodPost, "/sms", `{"to":"+1","message":"hi"}`)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("Bad requests", func(t *testing.T) {
		for name, body := range map[string]string{
			"malformed JSON":  `{"to":`,
			"missing message": `{"to":"+1"}`,
			"missing to":      `{"message":"hi"}`,
		} {
			t.Run(name, func(t *testing.T) {
				q := &fakeQueue{}
				rec := do(newTestServer(q, &fakeStore{}, ""), http.MethodPost, "/sms", body)
				assert.Equal(t, http.StatusBadRequest, rec.Code)
				assert.Empty(t, q.queued)
			})
		}
	})

	t.Run("Method not allowed", func(t *testing.T) {
		rec := do(newTestServer(&fakeQueue{}, &fakeStore{}, ""), http.MethodGet, "/sms", "")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestServerAuth(t *testing.T) {
	srv := newTestServer(&fakeQueue{}, &fakeStore{}, "secret")

	rec := do(srv, http.MethodGet, "/messages", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(srv, http.MethodGet, "/messages", "", "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(srv, http.MethodGet, "/messages", "", "Authorization", "Bearer secret")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code, "health checks need no token")
}

func TestServerMessages(t *testing.T) {
	t.Run("List", func(t *testing.T) {
		store := &fakeStore{messages: []*pdu.Message{
			{Sender: "+306912345678", Text: "hello", Indexes: []int{1, 2}},
		}}
		rec := do(newTestServer(&fakeQueue{}, store, ""), http.MethodGet, "/messages", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var got []pdu.Message
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		require.Len(t, got, 1)
		assert.Equal(t, "hello", got[0].Text)
		assert.Equal(t, []int{1, 2}, got[0].Indexes)
	})

	t.Run("Empty list", func(t *testing.T) {
		rec := do(newTestServer(&fakeQueue{}, &fakeStore{}, ""), http.MethodGet, "/messages", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[]`, rec.Body.String())
	})

	t.Run("Delete", func(t *testing.T) {
		store := &fakeStore{}
		rec := do(newTestServer(&fakeQueue{}, store, ""), http.MethodDelete, "/messages/3", "")
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, []int{3}, store.removed)
	})

	t.Run("Delete invalid index", func(t *testing.T) {
		store := &fakeStore{}
		rec := do(newTestServer(&fakeQueue{}, store, ""), http.MethodDelete, "/messages/abc", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, store.removed)
	})

	t.Run("Modem error", func(t *testing.T) {
		store := &fakeStore{err: errors.New("AT+CMGD=3: +CMS ERROR: 321")}
		rec := do(newTestServer(&fakeQueue{}, store, ""), http.MethodDelete, "/messages/3", "")
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}
