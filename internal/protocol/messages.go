// Package protocol defines the newline-delimited JSON frames exchanged between
// the controller and field devices over TCP.
package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	aerrors "github.com/mertkan-iscan/agriAssist-sub000/internal/errors"
)

// Message types sent by the controller
const (
	// Join handshake responses
	MsgJoinAccepted = "join_accepted"
	MsgJoinRefused  = "join_refused"

	// Actuator commands
	MsgSetValve = "set_valve"

	// Sensor pulls
	MsgSendSensorData       = "send_sensordata"
	MsgSendWeatherData      = "send_weatherdata"
	MsgSendSoilMoistureData = "send_soil_moisture_data"
)

// Actuator response discriminator values
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// DefaultDevicePort is used when a join frame carries no devicePort.
const DefaultDevicePort = 5000

// MaxFrameSize bounds a single line read from a device.
const MaxFrameSize = 64 * 1024

// Device types as sent in the join frame
const (
	DeviceTypeSensor   = "sensor"
	DeviceTypeActuator = "actuator"
)

// JoinRequest is the handshake a device sends when it connects to the join
// listener.
type JoinRequest struct {
	DeviceID    int    `json:"deviceId"`
	DeviceType  string `json:"deviceType"`
	DeviceModel string `json:"deviceModel"`
	DevicePort  int    `json:"devicePort,omitempty"`
}

// Validate checks required fields and normalizes the type and port.
func (j *JoinRequest) Validate() error {
	if j.DeviceID <= 0 {
		return aerrors.Protocol("join frame has no deviceId")
	}
	j.DeviceType = strings.ToLower(strings.TrimSpace(j.DeviceType))
	if j.DeviceType != DeviceTypeSensor && j.DeviceType != DeviceTypeActuator {
		return aerrors.Protocol("join frame has unknown deviceType %q", j.DeviceType).WithDevice(j.DeviceID)
	}
	if strings.TrimSpace(j.DeviceModel) == "" {
		return aerrors.Protocol("join frame has no deviceModel").WithDevice(j.DeviceID)
	}
	if j.DevicePort == 0 {
		j.DevicePort = DefaultDevicePort
	}
	if j.DevicePort < 0 || j.DevicePort > 65535 {
		return aerrors.Protocol("join frame has invalid devicePort %d", j.DevicePort).WithDevice(j.DeviceID)
	}
	return nil
}

// DecodeJoinRequest parses and validates a join frame.
func DecodeJoinRequest(line []byte) (*JoinRequest, error) {
	var req JoinRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, aerrors.Wrap(err, aerrors.CategoryProtocol, "malformed join frame")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// Message is a controller-to-device frame: a messageType plus optional
// command arguments.
type Message struct {
	Type   string
	Fields map[string]any
}

// NewMessage creates a message with no arguments.
func NewMessage(msgType string) Message {
	return Message{Type: msgType}
}

// SetValve builds the valve command for degree (0 closes the valve).
func SetValve(degree int) Message {
	return Message{Type: MsgSetValve, Fields: map[string]any{"degree": degree}}
}

// MarshalJSON flattens the arguments next to messageType.
func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Fields)+1)
	for k, v := range m.Fields {
		out[k] = v
	}
	out["messageType"] = m.Type
	return json.Marshal(out)
}

// Response is a decoded device response. Numbers are kept as json.Number so
// that integers and floats convert without loss.
type Response map[string]any

// DecodeResponse parses one device response line.
func DecodeResponse(line []byte) (Response, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var r Response
	if err := dec.Decode(&r); err != nil {
		return nil, aerrors.Wrap(err, aerrors.CategoryProtocol, "malformed response frame")
	}
	if r == nil {
		return nil, aerrors.Protocol("empty response frame")
	}
	return r, nil
}

// MessageType returns the messageType discriminator, if present.
func (r Response) MessageType() string {
	s, _ := r["messageType"].(string)
	return s
}

// Succeeded reports whether an actuator response carries the success
// discriminator.
func (r Response) Succeeded() bool {
	return strings.EqualFold(r.MessageType(), ResultSuccess)
}

// Number returns a numeric field as float64. ok is false when the field is
// missing or not a number.
func (r Response) Number(field string) (float64, bool) {
	switch v := r[field].(type) {
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// WriteFrame writes v as one JSON line.
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// ReadFrame reads one newline-terminated frame. A final frame without a
// trailing newline is accepted when the peer closes the connection.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			if err == io.EOF && len(line) > 0 {
				return line, nil
			}
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > MaxFrameSize {
			return nil, aerrors.Protocol("frame exceeds %d bytes", MaxFrameSize)
		}
		if !isPrefix {
			break
		}
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, aerrors.Protocol("empty frame")
	}
	return line, nil
}

// NewReader returns a buffered reader sized for device frames.
func NewReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, 4096)
}
