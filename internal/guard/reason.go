package guard

import "github.com/gorilla/websocket"

// Reason 关闭连接的原因
type Reason int

// 踢出原因，关闭码 4001-4007
const (
	HeartbeatTimeout Reason = iota + 1
	ResponseTimeout
	RateLimit
	TooManyConnections
	UnexpectedPacket
	InvalidPacket
	IncorrectDataFormat
)

// 封禁原因，关闭码统一为 1008
const (
	Banned Reason = iota + 101
	TooManyKicks
	InvalidToken
)

var reasonNames = map[Reason]string{
	HeartbeatTimeout:    "HeartbeatTimeout",
	ResponseTimeout:     "ResponseTimeout",
	RateLimit:           "RateLimit",
	TooManyConnections:  "TooManyConnections",
	UnexpectedPacket:    "UnexpectedPacket",
	InvalidPacket:       "InvalidPacket",
	IncorrectDataFormat: "IncorrectDataFormat",
	Banned:              "Banned",
	TooManyKicks:        "TooManyKicks",
	InvalidToken:        "InvalidToken",
}

var reasonDescriptions = map[Reason]string{
	HeartbeatTimeout:    "heartbeat timeout",
	ResponseTimeout:     "response timeout",
	RateLimit:           "rate limit",
	TooManyConnections:  "too many connections",
	UnexpectedPacket:    "unexpected packet",
	InvalidPacket:       "invalid packet",
	IncorrectDataFormat: "incorrect data format",
	Banned:              "banned",
	TooManyKicks:        "too many kicks",
	InvalidToken:        "invalid token",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "Unknown"
}

// Description 随关闭帧发送的描述
func (r Reason) Description() string {
	return reasonDescriptions[r]
}

// IsBan 是否为封禁原因
func (r Reason) IsBan() bool {
	return r >= Banned
}

// Code websocket 关闭码
func (r Reason) Code() int {
	if r.IsBan() {
		return websocket.ClosePolicyViolation
	}
	return 4000 + int(r)
}
