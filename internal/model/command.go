package model

import (
	"encoding/json"
	"fmt"
)

// Command names.
const (
	CmdOpen           = "open"
	CmdReopen         = "reopen"
	CmdSave           = "save"
	CmdSaveFromOrigin = "savefromorigin"
	CmdSetPassword    = "setpassword"
	CmdSfc            = "sfc"  // save after the last editor left
	CmdSfcm           = "sfcm" // force-save
	CmdConv           = "conv"
)

// Command is a caller-supplied intent. It lives only inside requests and queue messages.
type Command struct {
	Name             string     `json:"c"`
	DocID            string     `json:"id"`
	SaveKey          string     `json:"savekey,omitempty"`
	Format           string     `json:"format,omitempty"`
	OutputFormat     int        `json:"outputformat,omitempty"`
	OutputPath       string     `json:"outputpath,omitempty"`
	Title            string     `json:"title,omitempty"`
	URL              string     `json:"url,omitempty"`
	Forgotten        string     `json:"forgotten,omitempty"`
	Password         string     `json:"password,omitempty"`
	SavePassword     string     `json:"savepassword,omitempty"`
	StatusInfo       int        `json:"status_info"`
	StatusInfoIn     int        `json:"status_info_in,omitempty"`
	SaveType         SaveType   `json:"savetype,omitempty"`
	SaveIndex        int        `json:"saveindex,omitempty"`
	UserID           string     `json:"userid,omitempty"`
	UserIndex        int        `json:"userindex,omitempty"`
	UserActionID     string     `json:"useractionid,omitempty"`
	UserActionIndex  int        `json:"useractionindex,omitempty"`
	UserConnectionID string     `json:"userconnectionid,omitempty"`
	UserData         string     `json:"userdata,omitempty"`
	ForceSave        *ForceSave `json:"forcesave,omitempty"`
	Attempt          int        `json:"attempt,omitempty"`
	OriginFormat     int        `json:"originformat,omitempty"`
	EmbeddedFonts    bool       `json:"embeddedfonts,omitempty"`
	Inline           bool       `json:"inline,omitempty"`
	WithoutPassword  bool       `json:"withoutPassword,omitempty"`
	RedisKey         string     `json:"rediskey,omitempty"`
}

// TaskContext carries the operation context across the queue.
type TaskContext struct {
	Tenant string `json:"tenant"`
	DocID  string `json:"docId"`
	UserID string `json:"userId,omitempty"`
}

// TaskQueueData is the queue message exchanged with conversion workers.
type TaskQueueData struct {
	Ctx          TaskContext `json:"ctx"`
	Cmd          Command     `json:"cmd"`
	ToFile       string      `json:"toFile,omitempty"`
	FromOrigin   bool        `json:"fromOrigin,omitempty"`
	FromChanges  bool        `json:"fromChanges,omitempty"`
	FromSettings bool        `json:"fromSettings,omitempty"`
}

// ParseTaskQueueData decodes a queue message and checks the fields every handler relies on.
func ParseTaskQueueData(b []byte) (*TaskQueueData, error) {
	var t TaskQueueData
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	if t.Cmd.Name == "" || t.Cmd.DocID == "" {
		return nil, fmt.Errorf("decode task: empty command or doc id")
	}
	return &t, nil
}
