package proto

import "errors"

// Command identifies the operation a frame carries.
type Command byte

const (
	CmdUploadFile Command = iota + 11
	CmdDeleteFile
	CmdDownloadFile
	CmdGetMetadata
	CmdSetMetadata
	CmdUploadSlaveFile
	CmdQueryFileInfo
	CmdUploadAppenderFile
	CmdAppendFile
	CmdModifyFile
	CmdTruncateFile
	CmdCreateLink

	CmdSyncCreateFile
	CmdSyncDeleteFile
	CmdSyncUpdateFile
	CmdSyncAppendFile
	CmdSyncModifyFile
	CmdSyncTruncateFile
	CmdSyncCreateLink
	CmdSyncSetMetadata

	CmdActiveTest
	CmdReportServerID
	CmdTrunkAllocSpace
	CmdTrunkConfirmSpace
	CmdTrunkFreeSpace
	CmdTrunkSyncBinlog
	CmdFetchOnePathBinlog
)

var commandNames = map[Command]string{
	CmdUploadFile:         "UPLOAD_FILE",
	CmdDeleteFile:         "DELETE_FILE",
	CmdDownloadFile:       "DOWNLOAD_FILE",
	CmdGetMetadata:        "GET_METADATA",
	CmdSetMetadata:        "SET_METADATA",
	CmdUploadSlaveFile:    "UPLOAD_SLAVE_FILE",
	CmdQueryFileInfo:      "QUERY_FILE_INFO",
	CmdUploadAppenderFile: "UPLOAD_APPENDER_FILE",
	CmdAppendFile:         "APPEND_FILE",
	CmdModifyFile:         "MODIFY_FILE",
	CmdTruncateFile:       "TRUNCATE_FILE",
	CmdCreateLink:         "CREATE_LINK",

	CmdSyncCreateFile:   "SYNC_CREATE_FILE",
	CmdSyncDeleteFile:   "SYNC_DELETE_FILE",
	CmdSyncUpdateFile:   "SYNC_UPDATE_FILE",
	CmdSyncAppendFile:   "SYNC_APPEND_FILE",
	CmdSyncModifyFile:   "SYNC_MODIFY_FILE",
	CmdSyncTruncateFile: "SYNC_TRUNCATE_FILE",
	CmdSyncCreateLink:   "SYNC_CREATE_LINK",
	CmdSyncSetMetadata:  "SYNC_SET_METADATA",

	CmdActiveTest:         "ACTIVE_TEST",
	CmdReportServerID:     "REPORT_SERVER_ID",
	CmdTrunkAllocSpace:    "TRUNK_ALLOC_SPACE",
	CmdTrunkConfirmSpace:  "TRUNK_CONFIRM_SPACE",
	CmdTrunkFreeSpace:     "TRUNK_FREE_SPACE",
	CmdTrunkSyncBinlog:    "TRUNK_SYNC_BINLOG",
	CmdFetchOnePathBinlog: "FETCH_ONE_PATH_BINLOG",
}

func (c Command) String() string {
	if n, ok := commandNames[c]; ok {
		return n
	}
	return "UNKNOWN_COMMAND"
}

// IsSync reports whether c is one of the peer-to-peer SYNC_* commands.
func (c Command) IsSync() bool {
	return c >= CmdSyncCreateFile && c <= CmdSyncSetMetadata
}

// Status bytes, POSIX-errno-shaped.
const (
	StatusOK          byte = 0
	StatusNotFound    byte = 2  // ENOENT
	StatusExists      byte = 17 // EEXIST
	StatusInvalid     byte = 22 // EINVAL
	StatusNoSpace     byte = 28 // ENOSPC
	StatusOutOfRange  byte = 33 // EDOM, used for modify-out-of-range
	StatusProtocol    byte = 71 // EPROTO
	StatusIO          byte = 5  // EIO
	StatusInternal    byte = 255
)

// Sentinel errors forming the node's error taxonomy.
var (
	ErrNotFound      = errors.New("file not found")
	ErrAlreadyExists = errors.New("file already exists")
	ErrNoSpace       = errors.New("no space available")
	ErrProtocol      = errors.New("protocol error")
	ErrOutOfRange    = errors.New("operation out of range")
	ErrInvalid       = errors.New("invalid request")
)

// StatusForError maps a sentinel error to its wire status byte. Unknown
// errors map to StatusInternal.
func StatusForError(err error) byte {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrNotFound):
		return StatusNotFound
	case errors.Is(err, ErrAlreadyExists):
		return StatusExists
	case errors.Is(err, ErrNoSpace):
		return StatusNoSpace
	case errors.Is(err, ErrOutOfRange):
		return StatusOutOfRange
	case errors.Is(err, ErrProtocol):
		return StatusProtocol
	case errors.Is(err, ErrInvalid):
		return StatusInvalid
	default:
		return StatusInternal
	}
}
