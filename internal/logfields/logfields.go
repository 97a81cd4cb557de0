package logfields

import (
	"log/slog"
	"time"
)

// Canonical log field names shared by all packages.
const (
	KeyDeviceID   = "device_id"
	KeyDeviceKind = "device_kind"
	KeyModel      = "device_model"
	KeyFieldID    = "field_id"
	KeyRequestID  = "request_id"
	KeyCommand    = "command"
	KeyRemote     = "remote_addr"
	KeyInterval   = "interval"
	KeyStatus     = "status"
	KeyDegree     = "degree"
	KeyJobID      = "job_id"
	KeyTopic      = "topic"
	KeyPath       = "path"
	KeyError      = "error"
)

func DeviceID(id int) slog.Attr          { return slog.Int(KeyDeviceID, id) }
func DeviceKind(k string) slog.Attr      { return slog.String(KeyDeviceKind, k) }
func Model(m string) slog.Attr           { return slog.String(KeyModel, m) }
func FieldID(id int) slog.Attr           { return slog.Int(KeyFieldID, id) }
func RequestID(id int64) slog.Attr       { return slog.Int64(KeyRequestID, id) }
func Command(c string) slog.Attr         { return slog.String(KeyCommand, c) }
func Remote(addr string) slog.Attr       { return slog.String(KeyRemote, addr) }
func Interval(d time.Duration) slog.Attr { return slog.Duration(KeyInterval, d) }
func Status(s string) slog.Attr          { return slog.String(KeyStatus, s) }
func Degree(d int) slog.Attr             { return slog.Int(KeyDegree, d) }
func JobID(id string) slog.Attr          { return slog.String(KeyJobID, id) }
func Topic(t string) slog.Attr           { return slog.String(KeyTopic, t) }
func Path(p string) slog.Attr            { return slog.String(KeyPath, p) }

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
