// Package ipc is the local request/response protocol spoken between the
// scheduler and its clients, and the message shape passed between the
// scheduler and the worker pool.
package ipc

import (
	"fmt"
	"time"

	"taskd/internal/task"
)

type Type uint8

const (
	TypeNew Type = iota + 1
	TypeStatus
	TypeCancel
	TypeAbort
	TypeList
	TypeContext
	TypeResp
	TypeError
)

var typeNames = map[Type]string{
	TypeNew:     "NEW",
	TypeStatus:  "STATUS",
	TypeCancel:  "CANCEL",
	TypeAbort:   "ABORT",
	TypeList:    "LIST",
	TypeContext: "CONTEXT",
	TypeResp:    "RESP",
	TypeError:   "ERROR",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// StatusUpdate reports a transition for one task. StopAt is set for
// terminal statuses.
type StatusUpdate struct {
	ID     string      `cbor:"id"`
	Status task.Status `cbor:"status"`
	Output string      `cbor:"output,omitempty"`
	StopAt time.Time   `cbor:"stop_datetime,omitempty"`
}

// Message is the envelope for every request and response. Which content
// field is populated depends on Type.
type Message struct {
	Type    Type           `cbor:"type"`
	ID      string         `cbor:"id,omitempty"`
	Task    *task.Task     `cbor:"task,omitempty"`
	Status  *StatusUpdate  `cbor:"status,omitempty"`
	Tasks   []task.Task    `cbor:"tasks,omitempty"`
	Context map[string]any `cbor:"context,omitempty"`
	Error   string         `cbor:"error,omitempty"`
}

func NewTask(t task.Task) Message { return Message{Type: TypeNew, Task: &t} }

func Status(u StatusUpdate) Message { return Message{Type: TypeStatus, ID: u.ID, Status: &u} }

func Cancel(id string) Message { return Message{Type: TypeCancel, ID: id} }

func Abort(id string) Message { return Message{Type: TypeAbort, ID: id} }

func List() Message { return Message{Type: TypeList} }

func Context(kv map[string]any) Message { return Message{Type: TypeContext, Context: kv} }

func Resp(id string) Message { return Message{Type: TypeResp, ID: id} }

func Error(err error) Message {
	if err == nil {
		return Message{Type: TypeError, Error: "unknown error"}
	}
	return Message{Type: TypeError, Error: err.Error()}
}

// Validate checks that the content matches the type.
func (m Message) Validate() error {
	switch m.Type {
	case TypeNew:
		if m.Task == nil {
			return fmt.Errorf("%s without task", m.Type)
		}
	case TypeStatus:
		if m.Status == nil || m.Status.ID == "" {
			return fmt.Errorf("%s without status update", m.Type)
		}
	case TypeCancel, TypeAbort:
		if m.ID == "" {
			return fmt.Errorf("%s without id", m.Type)
		}
	case TypeList, TypeContext, TypeResp, TypeError:
	default:
		return fmt.Errorf("unknown message type %d", uint8(m.Type))
	}
	return nil
}

// RemoteError is an ERROR response returned by the scheduler.
type RemoteError struct{ Msg string }

func (e *RemoteError) Error() string { return "scheduler: " + e.Msg }
