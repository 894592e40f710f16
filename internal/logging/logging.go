// Copyright 2019 New Relic Corporation. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package logging provides the structured logger hooks shared by the meters,
// exporters and the agent.
package logging

import (
	"encoding/json"
	"io"
	"log"
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger receives structured log messages.  Every field is optional: a nil
// hook discards messages of that level.  Messages are maps that carry an
// "event" or "message" key plus any context, for example:
//
//	{"event": "map walk failed", "id": 12, "err": "..."}
type Logger struct {
	// ErrorLogger receives errors that stop an entity or a pipeline.
	ErrorLogger func(map[string]interface{})
	// WarnLogger receives recoverable problems.
	WarnLogger func(map[string]interface{})
	// InfoLogger receives lifecycle messages.
	InfoLogger func(map[string]interface{})
	// DebugLogger receives structured debug log messages.
	DebugLogger func(map[string]interface{})
}

// Error logs fields at error level.
func (l Logger) Error(fields map[string]interface{}) {
	if nil == l.ErrorLogger {
		return
	}
	l.ErrorLogger(fields)
}

// Warn logs fields at warning level.
func (l Logger) Warn(fields map[string]interface{}) {
	if nil == l.WarnLogger {
		return
	}
	l.WarnLogger(fields)
}

// Info logs fields at info level.
func (l Logger) Info(fields map[string]interface{}) {
	if nil == l.InfoLogger {
		return
	}
	l.InfoLogger(fields)
}

// Debug logs fields at debug level.
func (l Logger) Debug(fields map[string]interface{}) {
	if nil == l.DebugLogger {
		return
	}
	l.DebugLogger(fields)
}

// NewBasicLogger returns a hook that writes each message as a JSON line to w.
func NewBasicLogger(w io.Writer) func(map[string]interface{}) {
	flags := log.Ldate | log.Ltime | log.Lmicroseconds
	lg := log.New(w, "", flags)
	return func(fields map[string]interface{}) {
		if js, err := json.Marshal(fields); nil != err {
			lg.Println(err.Error())
		} else {
			lg.Println(string(js))
		}
	}
}

// Basic returns a Logger that writes every level except debug to w.
func Basic(w io.Writer) Logger {
	basic := NewBasicLogger(w)
	return Logger{
		ErrorLogger: basic,
		WarnLogger:  basic,
		InfoLogger:  basic,
	}
}

// NewZap builds the zap logger used by the command line.  Accepted levels
// (case-insensitive): "debug", "info", "warn", "error".
func NewZap(level string, w io.Writer) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.RFC3339TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(zapcore.AddSync(w)),
		zapLevel,
	)
	return zap.New(core), nil
}

// Zap returns a Logger whose hooks write to z.  The "message" field, or the
// "event" field when there is no message, becomes the log message.  The
// remaining fields are attached in key order.
func Zap(z *zap.Logger) Logger {
	return Logger{
		ErrorLogger: zapHook(z.Error),
		WarnLogger:  zapHook(z.Warn),
		InfoLogger:  zapHook(z.Info),
		DebugLogger: zapHook(z.Debug),
	}
}

func zapHook(write func(string, ...zap.Field)) func(map[string]interface{}) {
	return func(fields map[string]interface{}) {
		msg, rest := splitMessage(fields)
		keys := make([]string, 0, len(rest))
		for k := range rest {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		zfields := make([]zap.Field, 0, len(keys))
		for _, k := range keys {
			zfields = append(zfields, zap.Any(k, rest[k]))
		}
		write(msg, zfields...)
	}
}

func splitMessage(fields map[string]interface{}) (string, map[string]interface{}) {
	for _, key := range []string{"message", "event"} {
		if msg, ok := fields[key].(string); ok {
			rest := make(map[string]interface{}, len(fields)-1)
			for k, v := range fields {
				if k != key {
					rest[k] = v
				}
			}
			return msg, rest
		}
	}
	return "", fields
}
