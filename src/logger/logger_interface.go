// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package logger

// Logger is the levelled logging surface consumed by the KMS. *ModLogger
// implements it.
type Logger interface {
	SetLogLevel(logLevel LogLevel) error
	Error(err error, intf ...interface{})
	Warn(err error, intf ...interface{})
	Info(err error, intf ...interface{})
	Debug(err error, intf ...interface{})
	Trace(err error, intf ...interface{})
	Close() error
}

var _ Logger = (*ModLogger)(nil)
