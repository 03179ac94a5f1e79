/************************************************************************************
 *
 * corvid, A client-side connector for Discord-shaped chat platform gateways
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 The corvid Authors
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package corvid

import "github.com/bytedance/sonic"

// GatewayOpcode is the Gateway's payload opcode. The core only branches on
// OpcodeDispatch; the rest pass through untouched between the upstream
// and downstream nodes.
type GatewayOpcode int

const (
	OpcodeDispatch            GatewayOpcode = 0
	OpcodeHeartbeat           GatewayOpcode = 1
	OpcodeIdentify            GatewayOpcode = 2
	OpcodePresenceUpdate      GatewayOpcode = 3
	OpcodeVoiceStateUpdate    GatewayOpcode = 4
	OpcodeResume              GatewayOpcode = 6
	OpcodeReconnect           GatewayOpcode = 7
	OpcodeRequestGuildMembers GatewayOpcode = 8
	OpcodeInvalidSession      GatewayOpcode = 9
	OpcodeHello               GatewayOpcode = 10
	OpcodeHeartbeatACK        GatewayOpcode = 11
)

// GatewayPayload is the opaque-to-the-core Gateway frame. The core reads
// only Op, Sequence, and Data (to decide whether something is a dispatch
// worth forwarding); EventName and Data are otherwise passed through
// unexamined.
type GatewayPayload struct {
	Op        GatewayOpcode `json:"op"`
	Sequence  *uint64       `json:"s,omitempty"`
	EventName string        `json:"t,omitempty"`
	Data      []byte        `json:"d,omitempty"`
}

// MarshalPayload encodes a GatewayPayload for the broker wire, using the
// teacher's JSON library (sonic) rather than encoding/json.
func MarshalPayload(p GatewayPayload) ([]byte, error) {
	return sonic.Marshal(p)
}

// UnmarshalPayload decodes a broker message into a GatewayPayload. A
// decode failure is a ProtocolViolationError: the relay logs and drops
// it, it never terminates the pipeline.
func UnmarshalPayload(raw []byte) (GatewayPayload, error) {
	var p GatewayPayload
	if err := sonic.Unmarshal(raw, &p); err != nil {
		return GatewayPayload{}, &ProtocolViolationError{Err: err}
	}
	return p, nil
}

// NodeControlOp is the control-plane operation a downstream node can
// request of the upstream leader.
type NodeControlOp string

const (
	NodeControlReconnect NodeControlOp = "RECONNECT"
	NodeControlClose     NodeControlOp = "CLOSE"
)

// NodeControl is the out-of-band message between downstream workers and
// the upstream leader carrying reconnect/close requests. It is never
// correlated with any payload sequence.
type NodeControl struct {
	Op         NodeControlOp `json:"op"`
	ShardIndex uint32        `json:"shardIndex"`
}

// MarshalControl encodes a NodeControl for the broker wire.
func MarshalControl(c NodeControl) ([]byte, error) {
	return sonic.Marshal(c)
}

// UnmarshalControl decodes a broker message into a NodeControl.
func UnmarshalControl(raw []byte) (NodeControl, error) {
	var c NodeControl
	if err := sonic.Unmarshal(raw, &c); err != nil {
		return NodeControl{}, &ProtocolViolationError{Err: err}
	}
	return c, nil
}

// readyPayload extracts the session id from a READY dispatch's data, used
// by DownstreamGatewayClient to track session state.
type readyPayload struct {
	SessionID string `json:"session_id"`
}

func extractSessionID(p GatewayPayload) (string, bool) {
	if p.Op != OpcodeDispatch || p.EventName != "READY" || len(p.Data) == 0 {
		return "", false
	}
	var r readyPayload
	if err := sonic.Unmarshal(p.Data, &r); err != nil {
		return "", false
	}
	return r.SessionID, r.SessionID != ""
}
