package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Method names understood by the remote runtime.
const (
	MethodPushFile          = "pushFile"
	MethodGetFile           = "getFile"
	MethodDeleteFile        = "deleteFile"
	MethodGetFileNames      = "getFileNames"
	MethodGetAllFiles       = "getAllFiles"
	MethodCalculateRAM      = "calculateRam"
	MethodGetDefinitionFile = "getDefinitionFile"
)

const jsonrpcVersion = "2.0"

// Request is a JSON-RPC 2.0 request frame.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response frame.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// PushFileParams are the params of pushFile.
type PushFileParams struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
	Server   string `json:"server"`
}

// FileParams address one file on one server (getFile, deleteFile,
// calculateRam).
type FileParams struct {
	Filename string `json:"filename"`
	Server   string `json:"server"`
}

// ServerParams address one server (getFileNames, getAllFiles).
type ServerParams struct {
	Server string `json:"server"`
}

// FileContent is one element of the getAllFiles result.
type FileContent struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// RemoteError carries the error payload of a response.
type RemoteError struct {
	Method  string
	Message string
	Data    json.RawMessage
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Method, e.Message)
}

// hasError reports whether an error payload is present and truthy: null,
// false, 0 and the empty string count as absent.
func hasError(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	switch string(raw) {
	case "", "null", "false", "0", `""`:
		return false
	}
	return true
}

func newRemoteError(method string, raw json.RawMessage) *RemoteError {
	e := &RemoteError{Method: method, Data: raw}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		e.Message = s
		return e
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		e.Message = obj.Message
		return e
	}
	e.Message = string(raw)
	return e
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || string(raw) == "null"
}
