// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package kms

import (
	"context"
	"fmt"

	"github.com/miekg/pkcs11"
)

// sensitiveAttributes are withheld from objects that are not extractable or
// are marked sensitive.
var sensitiveAttributes = map[uint]bool{
	pkcs11.CKA_VALUE:            true,
	pkcs11.CKA_PRIVATE_EXPONENT: true,
	pkcs11.CKA_PRIME_1:          true,
	pkcs11.CKA_PRIME_2:          true,
	pkcs11.CKA_EXPONENT_1:       true,
	pkcs11.CKA_EXPONENT_2:       true,
	pkcs11.CKA_COEFFICIENT:      true,
}

// CreateObject stores a new object built from `tpl`.
func (k *KMS) CreateObject(ctx context.Context, h pkcs11.SessionHandle, tpl []*pkcs11.Attribute) (o pkcs11.ObjectHandle, err error) {
	defer k.report("CreateObject", &err)
	if _, err := k.idleSession(h); err != nil {
		return 0, err
	}
	if _, ok := templateValue(tpl, pkcs11.CKA_CLASS); !ok {
		return 0, newError(pkcs11.CKR_TEMPLATE_INCOMPLETE, "template lacks CKA_CLASS")
	}
	typed := false
	for _, t := range []uint{pkcs11.CKA_KEY_TYPE, pkcs11.CKA_CERTIFICATE_TYPE, pkcs11.CKA_HW_FEATURE_TYPE} {
		if _, ok := templateValue(tpl, t); ok {
			typed = true
			break
		}
	}
	if !typed {
		return 0, newError(pkcs11.CKR_TEMPLATE_INCOMPLETE, "template names no key, certificate or feature type")
	}
	o, err = k.store.CreateObject(ctx, tpl)
	if err != nil {
		return 0, newError(pkcs11.CKR_DEVICE_ERROR, "could not store object: %v", err)
	}
	k.log.Info(fmt.Errorf("object %d created", o))
	return o, nil
}

// DestroyObject removes object `o`.
func (k *KMS) DestroyObject(ctx context.Context, h pkcs11.SessionHandle, o pkcs11.ObjectHandle) (err error) {
	defer k.report("DestroyObject", &err)
	if _, err := k.idleSession(h); err != nil {
		return err
	}
	obj, err := k.getKey(ctx, o, pkcs11.CKR_OBJECT_HANDLE_INVALID)
	if err != nil {
		return err
	}
	if v, ok := findBool(obj, pkcs11.CKA_DESTROYABLE); ok && !v {
		return newError(pkcs11.CKR_ACTION_PROHIBITED, "object %d is not destroyable", o)
	}
	if err := k.store.DestroyObject(ctx, o); err != nil {
		return newError(pkcs11.CKR_OBJECT_HANDLE_INVALID, "could not destroy object %d: %v", o, err)
	}
	k.log.Info(fmt.Errorf("object %d destroyed", o))
	return nil
}

// GetAttributeValue returns the attributes of `o` named by `types`, in the
// same order.
func (k *KMS) GetAttributeValue(ctx context.Context, h pkcs11.SessionHandle, o pkcs11.ObjectHandle, types []uint) (attrs []*pkcs11.Attribute, err error) {
	defer k.report("GetAttributeValue", &err)
	if _, err := k.idleSession(h); err != nil {
		return nil, err
	}
	obj, err := k.getKey(ctx, o, pkcs11.CKR_OBJECT_HANDLE_INVALID)
	if err != nil {
		return nil, err
	}
	extractable, ok := findBool(obj, pkcs11.CKA_EXTRACTABLE)
	hidden := ok && !extractable
	if v, ok := findBool(obj, pkcs11.CKA_SENSITIVE); ok && v {
		hidden = true
	}
	for _, t := range types {
		if hidden && sensitiveAttributes[t] {
			return nil, newError(pkcs11.CKR_ATTRIBUTE_SENSITIVE, "%s of object %d is sensitive", AttributeName(t), o)
		}
		a, ok := obj.Find(t)
		if !ok {
			return nil, newError(pkcs11.CKR_ATTRIBUTE_TYPE_INVALID, "object %d has no %s", o, AttributeName(t))
		}
		attrs = append(attrs, &pkcs11.Attribute{Type: a.Type, Value: append([]byte(nil), a.Value...)})
	}
	return attrs, nil
}

// FindObjectsInit starts a search for objects matching every attribute of
// `tpl`. An empty template matches all objects.
func (k *KMS) FindObjectsInit(ctx context.Context, h pkcs11.SessionHandle, tpl []*pkcs11.Attribute) (err error) {
	defer k.report("FindObjectsInit", &err)
	s, err := k.idleSession(h)
	if err != nil {
		return err
	}
	handles, err := k.store.ListObjects(ctx)
	if err != nil {
		return newError(pkcs11.CKR_DEVICE_ERROR, "could not list objects: %v", err)
	}
	c := &searchContext{}
	for _, o := range handles {
		obj, err := k.store.GetObject(ctx, o)
		if err != nil {
			// Destroyed since listing.
			continue
		}
		if obj.Valid() && matches(obj, tpl) {
			c.found = append(c.found, o)
		}
	}
	return k.begin(s, StateSearching, nil, 0, c)
}

func (k *KMS) searching(h pkcs11.SessionHandle) (*session, *searchContext, error) {
	s, err := k.session(h)
	if err != nil {
		return nil, nil, err
	}
	c, ok := s.op.(*searchContext)
	if s.state != StateSearching || !ok {
		return nil, nil, newError(pkcs11.CKR_OPERATION_NOT_INITIALIZED, "session %d is not searching", h)
	}
	return s, c, nil
}

// FindObjects returns up to `limit` further matches. An empty result means the
// search is exhausted.
func (k *KMS) FindObjects(h pkcs11.SessionHandle, limit int) (found []pkcs11.ObjectHandle, err error) {
	defer k.report("FindObjects", &err)
	_, c, err := k.searching(h)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, newError(pkcs11.CKR_ARGUMENTS_BAD, "limit must be positive, have %d", limit)
	}
	if rest := len(c.found) - c.next; limit > rest {
		limit = rest
	}
	end := c.next + limit
	found = append([]pkcs11.ObjectHandle(nil), c.found[c.next:end]...)
	c.next = end
	return found, nil
}

// FindObjectsFinal ends the search.
func (k *KMS) FindObjectsFinal(h pkcs11.SessionHandle) (err error) {
	defer k.report("FindObjectsFinal", &err)
	s, _, err := k.searching(h)
	if err != nil {
		return err
	}
	k.end(s)
	return nil
}
