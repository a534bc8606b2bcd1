// Package model defines domain entities used by services and repositories.
package model

import (
	"encoding/json"
	"strings"
	"time"
)

// DocumentRecord is one row of the status store.
type DocumentRecord struct {
	Tenant       string
	Key          string // document id, optionally suffixed with a save key
	Status       FileStatus
	StatusInfo   int // minutes for UpdateVersion, generation for SaveVersion, result code otherwise
	CreatedAt    time.Time
	LastOpenDate time.Time
	UserIndex    int
	ChangeID     int           // origin file-format tag
	Callback     UserCallbacks // per-user callback list
	BaseURL      string
	Password     string // encrypted current password, empty if none
	Additional   string // opaque JSON, see Additional
}

// UserCallback binds a callback address to the user index that supplied it.
type UserCallback struct {
	UserIndex int    `json:"userIndex"`
	Callback  string `json:"callback"`
}

// UserCallbacks is the serialized callback column.
type UserCallbacks []UserCallback

// ByUserIndex returns the callback registered by userIndex, or the latest one.
func (c UserCallbacks) ByUserIndex(userIndex int) string {
	if userIndex > 0 {
		for _, cb := range c {
			if cb.UserIndex == userIndex {
				return cb.Callback
			}
		}
	}
	if len(c) == 0 {
		return ""
	}
	return c[len(c)-1].Callback
}

// ParseUserCallbacks decodes the callback column. Invalid input yields an empty list.
func ParseUserCallbacks(b []byte) UserCallbacks {
	if len(b) == 0 {
		return nil
	}
	var out UserCallbacks
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

// WOPIParams is the user-auth part of a WOPI-bound callback.
type WOPIParams struct {
	WOPISrc        string `json:"wopiSrc"`
	AccessToken    string `json:"access_token"`
	AccessTokenTTL int64  `json:"access_token_ttl,omitempty"`
	UserSessionID  string `json:"userSessionId,omitempty"`
}

// ParseWOPIParams returns the WOPI params stored in callback, or nil for a plain URL.
func ParseWOPIParams(callback string) *WOPIParams {
	if !strings.HasPrefix(strings.TrimSpace(callback), "{") {
		return nil
	}
	var p WOPIParams
	if err := json.Unmarshal([]byte(callback), &p); err != nil || p.WOPISrc == "" {
		return nil
	}
	return &p
}

// Additional holds the opaque per-document extras.
type Additional struct {
	OpenedAt       int64  `json:"openedAt,omitempty"`
	ShardKey       string `json:"shardKey,omitempty"`
	WOPISrc        string `json:"wopiSrc,omitempty"`
	DocumentLayout any    `json:"documentLayout,omitempty"`
}

// ParseAdditional decodes the additional column; garbage yields the zero value.
func ParseAdditional(s string) Additional {
	var a Additional
	if s != "" {
		_ = json.Unmarshal([]byte(s), &a)
	}
	return a
}

// TaskUpdate lists the columns a conditional update sets; nil fields are left untouched.
type TaskUpdate struct {
	Status       *FileStatus
	StatusInfo   *int
	Password     *string
	LastOpenDate *time.Time
}

// SetStatus builds an update of status and status info.
func SetStatus(st FileStatus, info int) TaskUpdate {
	return TaskUpdate{Status: &st, StatusInfo: &info}
}

// TaskMask is the expected current state of a row; nil fields are not compared.
type TaskMask struct {
	Tenant     string
	Key        string
	Status     *FileStatus
	StatusInfo *int
}

// MaskStatus expects only a status.
func MaskStatus(tenant, key string, st FileStatus) TaskMask {
	return TaskMask{Tenant: tenant, Key: key, Status: &st}
}

// MaskState expects a status and its status info.
func MaskState(tenant, key string, st FileStatus, info int) TaskMask {
	return TaskMask{Tenant: tenant, Key: key, Status: &st, StatusInfo: &info}
}

// UpsertResult reports whether Upsert created the row.
type UpsertResult struct {
	Inserted  bool
	UserIndex int
}

// Connection describes the editor connection a command arrives on.
type Connection struct {
	ID                   string
	Tenant               string // set by the transport
	DocID                string
	UserID               string
	UserIndex            int
	BaseURL              string
	Callback             string // owner callback URL or WOPI params supplied with this connection
	View                 bool   // read-only user
	Encrypted            bool // end-to-end encrypted document
	CloseCoAuthoring     bool
	EnterCorrectPassword bool
	Protect              *bool // permissions.protect, nil = default
	EditorType           string
}

// ForceSave is the per-document record of the latest force-save request.
type ForceSave struct {
	Type            ForceSaveType `json:"type"`
	AuthorUserID    string        `json:"authoruserid,omitempty"`
	AuthorUserIndex int           `json:"authoruserindex,omitempty"`
	Time            int64         `json:"time,omitempty"` // unix ms
	Index           int           `json:"index,omitempty"`
	Ended           bool          `json:"ended,omitempty"`
}

// OutputData is what a client receives for a command.
type OutputData struct {
	Type     string `json:"type"`
	Status   string `json:"status,omitempty"`
	Data     any    `json:"data,omitempty"`
	FileType string `json:"filetype,omitempty"`
	OpenedAt int64  `json:"openedAt,omitempty"`
}

// SetErr marks the output as failed with code.
func (o *OutputData) SetErr(code int) {
	o.Status = OutputErr
	o.Data = code
}

// CallbackAction is a user action reported to the owner.
type CallbackAction struct {
	Type   int    `json:"type"`
	UserID string `json:"userid"`
}

// CallbackPayload is the body of the save callback sent to the owner.
type CallbackPayload struct {
	Key           string           `json:"key"`
	Status        int              `json:"status"`
	URL           string           `json:"url,omitempty"`
	ChangesURL    string           `json:"changesurl,omitempty"`
	History       json.RawMessage  `json:"history,omitempty"`
	Users         []string         `json:"users,omitempty"`
	Actions       []CallbackAction `json:"actions,omitempty"`
	LastSave      string           `json:"lastsave,omitempty"`
	NotModified   bool             `json:"notmodified,omitempty"`
	ForceSaveType *ForceSaveType   `json:"forcesavetype,omitempty"`
	UserData      string           `json:"userdata,omitempty"`
	FileType      string           `json:"filetype,omitempty"`
	FormsDataURL  string           `json:"formsdataurl,omitempty"`
	Encrypted     bool             `json:"-"`
}
