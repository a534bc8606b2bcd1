package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/and161185/docservice/internal/errs"
	"github.com/and161185/docservice/internal/model"
	"github.com/and161185/docservice/internal/opctx"
)

// connectionDTO is the connection descriptor sent with commands.
type connectionDTO struct {
	ID               string `json:"id"`
	UserID           string `json:"userId"`
	UserIndex        int    `json:"userIndex,omitempty"`
	BaseURL          string `json:"baseUrl,omitempty"`
	Callback         string `json:"callback,omitempty"`
	View             bool   `json:"view,omitempty"`
	Encrypted        bool   `json:"encrypted,omitempty"`
	CloseCoAuthoring bool   `json:"closeCoAuthoring,omitempty"`
	Protect          *bool  `json:"protect,omitempty"`
	EditorType       string `json:"editorType,omitempty"`
}

type commandRequest struct {
	Connection connectionDTO `json:"connection"`
	Cmd        model.Command `json:"cmd"`
}

// connection returns the registered connection for dto.ID, so per-connection state
// survives between commands, or a fresh one built from dto.
func (a *api) connection(ctx context.Context, dto connectionDTO, docID string) (*model.Connection, bool) {
	if a.d.Sessions != nil && dto.ID != "" {
		if c, ok := a.d.Sessions.Lookup(dto.ID); ok && c.DocID == docID && c.Tenant == opctx.Tenant(ctx) {
			return c, true
		}
	}
	return &model.Connection{
		ID:               dto.ID,
		Tenant:           opctx.Tenant(ctx),
		DocID:            docID,
		UserID:           dto.UserID,
		UserIndex:        dto.UserIndex,
		BaseURL:          dto.BaseURL,
		Callback:         dto.Callback,
		View:             dto.View,
		Encrypted:        dto.Encrypted,
		CloseCoAuthoring: dto.CloseCoAuthoring,
		Protect:          dto.Protect,
		EditorType:       dto.EditorType,
	}, false
}

func withDoc(ctx context.Context, docID, userID string) context.Context {
	op, _ := opctx.From(ctx)
	op.DocID, op.UserID = docID, userID
	return opctx.With(ctx, op)
}

func (a *api) coauthoring(w http.ResponseWriter, r *http.Request) {
	op := chi.URLParam(r, "op")
	var req commandRequest
	if err := a.decode(r, &req); err != nil || req.Cmd.DocID == "" {
		a.fail(w, r, op, fmt.Errorf("%w: bad request", errs.ErrInvalidCommand))
		return
	}
	req.Cmd.Name = op
	conn, registered := a.connection(r.Context(), req.Connection, req.Cmd.DocID)
	ctx := withDoc(r.Context(), conn.DocID, conn.UserID)

	var (
		out model.OutputData
		err error
	)
	switch op {
	case model.CmdOpen:
		out, err = a.d.Docs.Open(ctx, conn, &req.Cmd)
	case model.CmdReopen:
		out, err = a.d.Docs.Reopen(ctx, conn, &req.Cmd)
	case model.CmdSetPassword:
		out, err = a.d.Docs.SetPassword(ctx, conn, &req.Cmd)
	default:
		err = fmt.Errorf("%w: %q", errs.ErrInvalidCommand, op)
	}
	if err != nil {
		a.fail(w, r, op, err)
		return
	}
	if op == model.CmdOpen && !registered && a.d.Sessions != nil && conn.ID != "" {
		a.d.Sessions.RegisterConnection(conn, a.opts.SessionTimeouts)
	}
	writeJSON(w, http.StatusOK, out)
}

// downloadAs accepts a save upload: the command travels in the cmd query parameter,
// the file part in the body.
func (a *api) downloadAs(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docId")
	var cmd model.Command
	if err := json.Unmarshal([]byte(r.URL.Query().Get("cmd")), &cmd); err != nil {
		a.fail(w, r, model.CmdSave, fmt.Errorf("%w: cmd: %v", errs.ErrInvalidCommand, err))
		return
	}
	cmd.DocID = docID
	if cmd.Name == "" {
		cmd.Name = model.CmdSave
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.opts.MaxBody))
	if err != nil {
		a.fail(w, r, cmd.Name, fmt.Errorf("%w: body: %v", errs.ErrInvalidCommand, err))
		return
	}

	q := r.URL.Query()
	conn, _ := a.connection(r.Context(), connectionDTO{
		ID:        q.Get("connId"),
		UserID:    q.Get("userId"),
		Encrypted: q.Get("encrypted") == "1" || q.Get("encrypted") == "true",
	}, docID)
	ctx := withDoc(r.Context(), docID, conn.UserID)

	var out model.OutputData
	switch cmd.Name {
	case model.CmdSave:
		out, err = a.d.Docs.Save(ctx, conn, &cmd, data)
	case model.CmdSaveFromOrigin:
		out, err = a.d.Docs.SaveFromOrigin(ctx, &cmd, data)
	default:
		err = fmt.Errorf("%w: %q", errs.ErrInvalidCommand, cmd.Name)
	}
	if err != nil {
		a.fail(w, r, cmd.Name, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) receiveTask(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.opts.MaxBody))
	if err != nil {
		a.fail(w, r, "", fmt.Errorf("%w: body: %v", errs.ErrInvalidCommand, err))
		return
	}
	if err := a.d.Docs.ReceiveTask(r.Context(), raw); err != nil {
		a.fail(w, r, "", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type changesRequest struct {
	ConnID string `json:"connId,omitempty"`
}

func (a *api) changes(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docId")
	var req changesRequest
	if err := a.decodeOptional(r, &req); err != nil {
		a.fail(w, r, "", err)
		return
	}
	if err := a.d.Docs.MarkChanged(withDoc(r.Context(), docID, ""), docID); err != nil {
		a.fail(w, r, "", err)
		return
	}
	if req.ConnID != "" && a.d.Sessions != nil {
		a.d.Sessions.RecordActivity(req.ConnID, a.opts.Now())
	}
	w.WriteHeader(http.StatusNoContent)
}

type forceSaveRequest struct {
	UserID    string              `json:"userId,omitempty"`
	UserIndex int                 `json:"userIndex,omitempty"`
	Type      model.ForceSaveType `json:"type"`
}

func (a *api) forceSave(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docId")
	var req forceSaveRequest
	if err := a.decodeOptional(r, &req); err != nil {
		a.fail(w, r, "", err)
		return
	}
	started, err := a.d.Docs.StartForceSave(withDoc(r.Context(), docID, req.UserID), docID, req.Type, req.UserID, req.UserIndex)
	if err != nil {
		a.fail(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"started": started})
}

type savedRequest struct {
	Value string `json:"value"`
}

func (a *api) saved(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docId")
	var req savedRequest
	if err := a.decode(r, &req); err != nil {
		a.fail(w, r, "", fmt.Errorf("%w: %v", errs.ErrInvalidCommand, err))
		return
	}
	if err := a.d.Docs.SetSaved(withDoc(r.Context(), docID, ""), docID, req.Value); err != nil {
		a.fail(w, r, "", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) output(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docId")
	out := a.d.Outputs.Take(withDoc(r.Context(), docID, ""), docID)
	if out == nil {
		out = []model.OutputData{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) download(w http.ResponseWriter, r *http.Request) {
	full := strings.TrimPrefix(r.URL.Path, "/storage/")
	rc, size, claims, err := a.d.Files.OpenSigned(r.URL.Query().Get("token"), full)
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrUnauthorized):
			http.Error(w, "forbidden", http.StatusForbidden)
		case errors.Is(err, errs.ErrNotFound):
			http.Error(w, "not found", http.StatusNotFound)
		default:
			a.log.Error("storage download", zap.String("path", full), zap.Error(err))
			http.Error(w, "internal", http.StatusInternalServerError)
		}
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	if claims.Filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", claims.Filename))
	}
	if _, err := io.Copy(w, rc); err != nil {
		a.log.Warn("storage download interrupted", zap.String("path", full), zap.Error(err))
	}
}

func (a *api) decode(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, a.opts.MaxBody)).Decode(v)
}

// decodeOptional accepts an empty body.
func (a *api) decodeOptional(r *http.Request, v any) error {
	err := a.decode(r, v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: %v", errs.ErrInvalidCommand, err)
}

// fail maps err to a status code and the generic err output.
func (a *api) fail(w http.ResponseWriter, r *http.Request, typ string, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrInvalidCommand):
		code = http.StatusBadRequest
	case errors.Is(err, errs.ErrUnauthorized):
		code = http.StatusForbidden
	case errors.Is(err, errs.ErrNotFound):
		code = http.StatusNotFound
	}
	if code == http.StatusInternalServerError {
		opctx.Logger(r.Context(), a.log).Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, code, errOutput(typ))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
