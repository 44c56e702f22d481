// Package protocol defines the command handshake spoken between the
// coordinator and a worker before and around every batch.
//
//	INIT + model name         -> INIT_RESPONSE
//	DATA + NetworkTask (JSON) -> DATA_RESPONSE, then result payloads
//	PING                      -> PONG
//	CLOSE_CONNECTION + model  -> CLOSE_CONNECTION
//
// Any other reply is a protocol error fatal to the session.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ChuLiYu/simfarm/internal/transport"
)

// Command is sent by the coordinator
type Command string

const (
	Init            Command = "INIT"
	Data            Command = "DATA"
	CloseConnection Command = "CLOSE_CONNECTION"
	Ping            Command = "PING"
)

// Response is sent by the worker
type Response string

const (
	InitResponse  Response = "INIT_RESPONSE"
	DataResponse  Response = "DATA_RESPONSE"
	CloseResponse Response = "CLOSE_CONNECTION"
	Pong          Response = "PONG"
)

var responses = map[Command]Response{
	Init:            InitResponse,
	Data:            DataResponse,
	CloseConnection: CloseResponse,
	Ping:            Pong,
}

// ResponseFor returns the reply expected for cmd
func ResponseFor(cmd Command) (Response, bool) {
	r, ok := responses[cmd]
	return r, ok
}

// ErrProtocol matches every handshake violation
var ErrProtocol = errors.New("protocol: violation")

// Error reports an unexpected tag
type Error struct {
	Expected string
	Got      string
}

func (e *Error) Error() string {
	return fmt.Sprintf("protocol: expected %s, got %q", e.Expected, e.Got)
}

func (e *Error) Is(target error) bool { return target == ErrProtocol }

// SendCommand writes a command tag
func SendCommand(c transport.Conn, cmd Command) error {
	return c.Send([]byte(cmd))
}

// ReadCommand reads and validates a command tag
func ReadCommand(c transport.Conn) (Command, error) {
	p, err := c.Receive()
	if err != nil {
		return "", err
	}
	cmd := Command(p)
	if _, ok := responses[cmd]; !ok {
		return "", &Error{Expected: "command", Got: string(p)}
	}
	return cmd, nil
}

// Reply writes the response tag matching cmd
func Reply(c transport.Conn, cmd Command) error {
	r, ok := responses[cmd]
	if !ok {
		return &Error{Expected: "command", Got: string(cmd)}
	}
	return c.Send([]byte(r))
}

// Expect reads one tag and fails unless it is want
func Expect(c transport.Conn, want Response) error {
	p, err := c.Receive()
	if err != nil {
		return err
	}
	if Response(p) != want {
		return &Error{Expected: string(want), Got: string(p)}
	}
	return nil
}

// Call sends cmd, an optional body, and waits for the matching reply
func Call(c transport.Conn, cmd Command, body []byte) error {
	want, ok := responses[cmd]
	if !ok {
		return &Error{Expected: "command", Got: string(cmd)}
	}
	if err := SendCommand(c, cmd); err != nil {
		return err
	}
	if body != nil {
		if err := c.Send(body); err != nil {
			return err
		}
	}
	return Expect(c, want)
}

// SendJSON writes v as one JSON message
func SendJSON(c transport.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("protocol: encode: %w", err)
	}
	return c.Send(b)
}

// ReadJSON reads one JSON message into v
func ReadJSON(c transport.Conn, v any) error {
	p, err := c.Receive()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(p, v); err != nil {
		return &Error{Expected: fmt.Sprintf("JSON %T", v), Got: truncate(p)}
	}
	return nil
}

func truncate(p []byte) string {
	if len(p) > 64 {
		return string(p[:64]) + "..."
	}
	return string(p)
}
