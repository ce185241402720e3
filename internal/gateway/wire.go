package gateway

import (
	"encoding/json"

	"github.com/voxkit/voxkit/internal/core"
	"github.com/voxkit/voxkit/internal/domain"
)

const (
	opIdentify  = "identify"
	opHello     = "hello"
	opHeartbeat = "heartbeat"
	opReady     = "ready"
	opDispatch  = "dispatch"
)

type frame struct {
	Op string          `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
}

type helloBody struct {
	HeartbeatIntervalMs int `json:"heartbeat_interval_ms"`
}

type readyBody struct {
	User      domain.UserID `json:"user,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
}

func encodeFrame(op string, v any) ([]byte, error) {
	var d json.RawMessage
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		d = b
	}
	return json.Marshal(frame{Op: op, D: d})
}

func encodeDispatch(d core.Dispatch) ([]byte, error) {
	return encodeFrame(opDispatch, d)
}
