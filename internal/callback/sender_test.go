package callback

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/and161185/docservice/internal/model"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestSender_SendSignsPayload(t *testing.T) {
	t.Parallel()
	key := []byte("outbox-secret")
	srv, reqs := newRecorder(t, reply(http.StatusOK, `{"error":0}`))

	s := NewSender(SenderOptions{SignKey: key, Timeout: 5 * time.Second})
	out, err := s.Send(context.Background(), srv.URL, &model.CallbackPayload{
		Key: "doc1", Status: model.ServerStatusMustSave, URL: "http://files/doc1", Users: []string{"u1"},
	})
	require.NoError(t, err)
	require.True(t, ReplyOK(out))

	req := <-reqs
	require.Equal(t, http.MethodPost, req.method)
	require.Equal(t, "application/json", req.header.Get("Content-Type"))
	var got model.CallbackPayload
	require.NoError(t, json.Unmarshal(req.body, &got))
	require.Equal(t, "doc1", got.Key)
	require.Equal(t, model.ServerStatusMustSave, got.Status)

	var claims outboxClaims
	tok := strings.TrimPrefix(req.header.Get("Authorization"), "Bearer ")
	_, err = jwt.ParseWithClaims(tok, &claims, func(*jwt.Token) (any, error) { return key, nil })
	require.NoError(t, err)
	require.NotNil(t, claims.Payload)
	require.Equal(t, "doc1", claims.Payload.Key)
}

func TestSender_OversizeTokenDropsHistory(t *testing.T) {
	t.Parallel()
	srv, reqs := newRecorder(t, reply(http.StatusOK, `{"error":0}`))

	big, _ := json.Marshal(map[string]string{"changes": strings.Repeat("x", 10000)})
	s := NewSender(SenderOptions{SignKey: []byte("k")})
	_, err := s.Send(context.Background(), srv.URL, &model.CallbackPayload{
		Key: "doc1", ChangesURL: "http://files/changes.zip", History: big, Users: []string{"u1"},
	})
	require.NoError(t, err)

	req := <-reqs
	require.Less(t, len(req.header.Get("Authorization")), maxAuthorizationLen)
	var got model.CallbackPayload
	require.NoError(t, json.Unmarshal(req.body, &got))
	require.Empty(t, got.ChangesURL)
	require.JSONEq(t, `{}`, string(got.History))
}

func TestSender_Non2xxIsStatusError(t *testing.T) {
	t.Parallel()
	srv, _ := newRecorder(t, reply(http.StatusServiceUnavailable, "busy"))

	_, err := NewSender(SenderOptions{}).Send(context.Background(), srv.URL, &model.CallbackPayload{Key: "doc1"})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusServiceUnavailable, se.Code)
	require.Equal(t, "busy", se.Body)
	require.True(t, DefaultBackoffOptions().Retryable(err))
}

func TestReplyOK(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		`{"error":0}`:   true,
		`{"error":"0"}`: true,
		`{"error":1}`:   false,
		`{}`:            false,
		`not json`:      false,
		``:              false,
	}
	for in, want := range cases {
		require.Equal(t, want, ReplyOK(in), in)
	}
}
