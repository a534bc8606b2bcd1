package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	u "github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/docservice/internal/model"
)

func Test_autoID(t *testing.T) {
	t.Parallel()

	var id string
	autoID(&id)
	if _, err := u.FromString(id); err != nil {
		t.Fatalf("not a uuid: %v", err)
	}
	keep := "user-1"
	autoID(&keep)
	if keep != "user-1" {
		t.Fatalf("must not change non-empty id")
	}
	if newConnID() == newConnID() {
		t.Fatalf("connection ids must differ")
	}
}

func Test_saveCommand_Types(t *testing.T) {
	t.Parallel()
	cases := []struct {
		index int
		last  bool
		want  model.SaveType
	}{
		{0, true, model.SaveCompleteAll},
		{0, false, model.SavePartStart},
		{1, false, model.SavePart},
		{2, true, model.SaveComplete},
	}
	for _, c := range cases {
		got := saveCommand("docx", "k", c.index, c.last)
		if got.SaveType != c.want || got.Name != model.CmdSave || got.SaveKey != "k" {
			t.Fatalf("index=%d last=%v: %+v", c.index, c.last, got)
		}
	}
}

func Test_inboxToken_Verifies(t *testing.T) {
	t.Parallel()
	secret := []byte("s3cr3t")
	raw, err := inboxToken(secret, time.Now())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	tok, err := jwt.Parse(raw, func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !tok.Valid {
		t.Fatalf("verify: %v", err)
	}
	if _, err := jwt.Parse(raw, func(*jwt.Token) (any, error) { return []byte("other"), nil }); err == nil {
		t.Fatalf("wrong key must fail")
	}
}

func Test_client_Command(t *testing.T) {
	t.Parallel()
	var got struct {
		Connection connection    `json:"connection"`
		Cmd        model.Command `json:"cmd"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/coauthoring/open" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get(tenantHeader) != "t1" {
			t.Errorf("tenant header missing")
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			t.Errorf("bearer missing")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(model.OutputData{Type: "open", Status: "ok"})
	}))
	defer srv.Close()

	cl := newClient(srv.URL+"/", "t1", []byte("k"), time.Second)
	out, err := cl.command(context.Background(), "open", connection{ID: "c1", UserID: "u1"},
		openCommand("d1", "http://src/a.docx", "docx", "a", "u1"))
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	if out.Type != "open" || out.Status != "ok" {
		t.Fatalf("output: %+v", out)
	}
	if got.Connection.ID != "c1" || got.Cmd.DocID != "d1" || got.Cmd.URL != "http://src/a.docx" {
		t.Fatalf("request: %+v", got)
	}
}

func Test_client_Save(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/downloadas/d1" {
			t.Errorf("path %s", r.URL.Path)
		}
		q := r.URL.Query()
		var cmd model.Command
		if err := json.Unmarshal([]byte(q.Get("cmd")), &cmd); err != nil || cmd.Name != model.CmdSave {
			t.Errorf("cmd %q: %v", q.Get("cmd"), err)
		}
		if q.Get("connId") != "c1" || q.Get("userId") != "u1" {
			t.Errorf("query %v", q)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "changes" {
			t.Errorf("body %q", body)
		}
		_ = json.NewEncoder(w).Encode(model.OutputData{Type: "save", Status: "ok"})
	}))
	defer srv.Close()

	cl := newClient(srv.URL, "", nil, time.Second)
	out, err := cl.save(context.Background(), "d1", sessionFile{ConnID: "c1", UserID: "u1"},
		saveCommand("docx", "", 0, true), []byte("changes"))
	if err != nil || out.Status != "ok" {
		t.Fatalf("save: %+v %v", out, err)
	}
}

func Test_client_StatusError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Errorf("no secret, no bearer")
		}
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	cl := newClient(srv.URL, "", nil, time.Second)
	err := cl.do(context.Background(), http.MethodGet, "/docs/d1/output", nil, nil)
	var se *statusError
	if !errors.As(err, &se) || se.Code != http.StatusForbidden || !strings.Contains(se.Body, "nope") {
		t.Fatalf("want 403 statusError, got %v", err)
	}
}
