package model

// FileStatus is the persisted processing state of a document row.
// Values are shared with conversion workers and must never be renumbered.
type FileStatus int

// File statuses.
const (
	StatusNone FileStatus = iota
	StatusOk
	StatusWaitQueue
	StatusNeedParams
	StatusConvert
	StatusErr
	StatusErrToReload
	StatusSaveVersion
	StatusUpdateVersion
	StatusNeedPassword
)

var statusNames = [...]string{
	"None", "Ok", "WaitQueue", "NeedParams", "Convert", "Err",
	"ErrToReload", "SaveVersion", "UpdateVersion", "NeedPassword",
}

// Valid reports whether s is one of the defined statuses.
func (s FileStatus) Valid() bool { return s >= StatusNone && s <= StatusNeedPassword }

func (s FileStatus) String() string {
	if !s.Valid() {
		return "Unknown"
	}
	return statusNames[s]
}

// Ptr returns a pointer to a copy of s, handy for TaskUpdate and TaskMask literals.
func (s FileStatus) Ptr() *FileStatus { return &s }

// Result and error codes reported by workers and returned to clients.
const (
	NoError               = 0
	Unknown               = -1
	TaskQueueErr          = -20
	Storage               = -60
	Convert               = -80
	ConvertDownload       = -81
	ConvertUnknownFormat  = -82
	ConvertTimeout        = -83
	ConvertReadFile       = -84
	ConvertDRMUnsupported = -85
	ConvertCorrupted      = -86
	ConvertLibreOffice    = -87
	ConvertParams         = -88
	ConvertNeedParams     = -89
	ConvertDRM            = -90
	ConvertPassword       = -91
	ConvertICU            = -92
	ConvertLimits         = -93
	ConvertTemporary      = -94
	ConvertDetect         = -95
	ConvertCellLimits     = -96
	ConvertDeadLetter     = -99
	Upload                = -100
	EditorChanges         = -160
	Password              = -180
)

// Priority orders tasks on the conversion queue.
type Priority int

// Queue priorities.
const (
	PriorityVeryLow  Priority = 2
	PriorityLow      Priority = 3
	PriorityNormal   Priority = 4
	PriorityHigh     Priority = 5
	PriorityVeryHigh Priority = 6
)

// Output statuses seen by polling clients.
const (
	OutputOk            = "ok"
	OutputUpdateVersion = "updateversion"
	OutputNeedParams    = "needparams"
	OutputNeedPassword  = "needpassword"
	OutputErr           = "err"
)

// Server statuses sent to the owner in the save callback.
const (
	ServerStatusNotFound       = 0
	ServerStatusEditing        = 1
	ServerStatusMustSave       = 2
	ServerStatusCorrupted      = 3
	ServerStatusClosed         = 4
	ServerStatusMailMerge      = 5
	ServerStatusMustSaveForce  = 6
	ServerStatusCorruptedForce = 7
)

// ForceSaveType tells why a force-save was started.
type ForceSaveType int

// Force-save types.
const (
	ForceSaveCommand ForceSaveType = iota
	ForceSaveButton
	ForceSaveTimeout
	ForceSaveForm
	ForceSaveInternal
)

// User actions reported in the save callback.
const (
	ActionOut             = 0
	ActionIn              = 1
	ActionForceSaveButton = 2
)

// SaveType describes one request of a multi-part save.
type SaveType int

// Save types.
const (
	SavePartStart SaveType = iota
	SavePart
	SaveComplete
	SaveCompleteAll
)

// OutputName is the base name of converted files inside a save key.
const OutputName = "output"
