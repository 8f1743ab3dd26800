// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package kms

import (
	"errors"
	"fmt"

	"github.com/miekg/pkcs11"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error is returned by every KMS entry point. It carries the PKCS#11 return
// value describing the failure.
type Error struct {
	RV  pkcs11.Error
	Msg string
}

func newError(rv uint, format string, args ...any) *Error {
	return &Error{RV: pkcs11.Error(rv), Msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("kms: %s: %v", e.Msg, e.RV)
}

// Unwrap exposes the return value, so that
// errors.Is(err, pkcs11.Error(pkcs11.CKR_...)) matches.
func (e *Error) Unwrap() error {
	return e.RV
}

// GRPCStatus converts the error into a gRPC status.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(Code(uint(e.RV)), e.Error())
}

// RV returns the PKCS#11 return value carried by err. A nil error is CKR_OK
// and errors not produced by the KMS are CKR_GENERAL_ERROR.
func RV(err error) uint {
	if err == nil {
		return pkcs11.CKR_OK
	}
	var rv pkcs11.Error
	if errors.As(err, &rv) {
		return uint(rv)
	}
	return pkcs11.CKR_GENERAL_ERROR
}

// Code maps a PKCS#11 return value to the closest gRPC code.
func Code(rv uint) codes.Code {
	switch rv {
	case pkcs11.CKR_OK:
		return codes.OK
	case pkcs11.CKR_CRYPTOKI_NOT_INITIALIZED,
		pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED,
		pkcs11.CKR_OPERATION_NOT_INITIALIZED,
		pkcs11.CKR_OPERATION_ACTIVE:
		return codes.FailedPrecondition
	case pkcs11.CKR_SESSION_HANDLE_INVALID,
		pkcs11.CKR_OBJECT_HANDLE_INVALID,
		pkcs11.CKR_KEY_HANDLE_INVALID,
		pkcs11.CKR_SLOT_ID_INVALID:
		return codes.NotFound
	case pkcs11.CKR_ARGUMENTS_BAD,
		pkcs11.CKR_MECHANISM_PARAM_INVALID,
		pkcs11.CKR_ATTRIBUTE_VALUE_INVALID,
		pkcs11.CKR_ATTRIBUTE_TYPE_INVALID,
		pkcs11.CKR_TEMPLATE_INCOMPLETE,
		pkcs11.CKR_DOMAIN_PARAMS_INVALID,
		pkcs11.CKR_DATA_INVALID,
		pkcs11.CKR_ENCRYPTED_DATA_INVALID:
		return codes.InvalidArgument
	case pkcs11.CKR_MECHANISM_INVALID,
		pkcs11.CKR_FUNCTION_NOT_SUPPORTED,
		pkcs11.CKR_CURVE_NOT_SUPPORTED,
		pkcs11.CKR_SESSION_PARALLEL_NOT_SUPPORTED:
		return codes.Unimplemented
	case pkcs11.CKR_DEVICE_MEMORY,
		pkcs11.CKR_HOST_MEMORY,
		pkcs11.CKR_SESSION_COUNT:
		return codes.ResourceExhausted
	case pkcs11.CKR_KEY_SIZE_RANGE,
		pkcs11.CKR_SIGNATURE_LEN_RANGE,
		pkcs11.CKR_DATA_LEN_RANGE,
		pkcs11.CKR_ENCRYPTED_DATA_LEN_RANGE,
		pkcs11.CKR_BUFFER_TOO_SMALL:
		return codes.OutOfRange
	case pkcs11.CKR_SIGNATURE_INVALID:
		return codes.Unauthenticated
	case pkcs11.CKR_ACTION_PROHIBITED,
		pkcs11.CKR_ATTRIBUTE_SENSITIVE:
		return codes.PermissionDenied
	}
	return codes.Internal
}
