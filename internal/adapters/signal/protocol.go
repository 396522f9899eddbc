package signal

import (
	"github.com/goccy/go-json"

	"github.com/dkeye/meet/internal/core"
)

// request is a client frame. A zero id marks a fire-and-forget event.
type request struct {
	ID     uint64          `json:"id,omitempty"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type replyFrame struct {
	ID   uint64 `json:"id"`
	Data any    `json:"data"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorFrame struct {
	ID    uint64    `json:"id"`
	Error errorBody `json:"error"`
}

func encodeReply(id uint64, result any) (core.Frame, error) {
	if result == nil {
		result = struct{}{}
	}
	return json.Marshal(replyFrame{ID: id, Data: result})
}

func encodeError(id uint64, err error) (core.Frame, error) {
	return json.Marshal(errorFrame{ID: id, Error: errorBody{Code: core.Code(err), Message: err.Error()}})
}
