// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package kms implements a PKCS#11 style key management service: a fixed
// session table driving sign, verify, digest, cipher, derivation and key
// generation operations over a key object store.
//
// Every entry point returns nil or a *Error carrying the PKCS#11 return value.
// Calls on one session must be serialized by the caller; distinct sessions
// may be driven concurrently.
package kms

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/miekg/pkcs11"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/lowRISC/opentitan-kms/src/kms/store"
	"github.com/lowRISC/opentitan-kms/src/kms/store/db"
	"github.com/lowRISC/opentitan-kms/src/logger"
	"github.com/lowRISC/opentitan-kms/src/version/buildver"
)

const (
	manufacturerID = "lowRISC"
	model          = "OpenTitan KMS"

	// slotID is the only slot exposed by the token.
	slotID = 0
)

// KMS is a key management token.
type KMS struct {
	cfg      Config
	store    ObjectStore
	log      logger.Logger
	curves   []*Curve
	pool     *contextPool
	sessions *sessionTable

	// closers are released by Close.
	closers []io.Closer

	mu        sync.Mutex
	initCount int
}

// Option customizes a KMS built by New.
type Option func(*KMS)

// WithLogger replaces the default stderr logger.
func WithLogger(l logger.Logger) Option {
	return func(k *KMS) { k.log = l }
}

// preloader is implemented by stores that accept objects with fixed handles.
type preloader interface {
	Preload(ctx context.Context, objs []*db.Object) error
}

// New creates a KMS over `st`. The static objects of `cfg` are provisioned
// into `st`.
func New(ctx context.Context, cfg Config, st ObjectStore, opts ...Option) (*KMS, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v", err)
	}
	k := &KMS{
		cfg:      cfg,
		store:    st,
		pool:     &contextPool{capacity: cfg.ContextPoolSize},
		sessions: newSessionTable(cfg.Sessions),
	}
	for _, n := range cfg.Curves {
		k.curves = append(k.curves, curveByName(n))
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.log == nil {
		level, err := logger.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		l, err := logger.NewLogger(cfg.LogFile, level)
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %v", err)
		}
		k.log = l
		k.closers = append(k.closers, l)
	}

	if len(cfg.Objects) > 0 {
		objs, err := staticObjects(cfg.Objects)
		if err != nil {
			return nil, multierr.Append(err, k.Close())
		}
		p, ok := st.(preloader)
		if !ok {
			return nil, multierr.Append(errors.New("store cannot hold static objects"), k.Close())
		}
		if err := p.Preload(ctx, objs); err != nil {
			return nil, multierr.Append(err, k.Close())
		}
	}
	return k, nil
}

// Open creates a KMS and the object store selected by `cfg`. Close releases
// both.
func Open(ctx context.Context, cfg Config) (*KMS, error) {
	st, err := store.Open(ctx, cfg.Store, zap.NewNop())
	if err != nil {
		return nil, err
	}
	k, err := New(ctx, cfg, st)
	if err != nil {
		return nil, multierr.Append(err, st.Close())
	}
	k.closers = append(k.closers, st)
	return k, nil
}

func staticObjects(specs []StaticObject) ([]*db.Object, error) {
	objs := make([]*db.Object, 0, len(specs))
	for _, spec := range specs {
		var tpl []*pkcs11.Attribute
		for _, as := range spec.Attributes {
			a, err := ParseAttribute(as)
			if err != nil {
				return nil, fmt.Errorf("static object %d: %v", spec.ID, err)
			}
			tpl = append(tpl, a)
		}
		objs = append(objs, db.NewObject(spec.ID, tpl))
	}
	return objs, nil
}

// Close finalizes the KMS and releases the resources it owns.
func (k *KMS) Close() error {
	k.mu.Lock()
	k.initCount = 0
	k.mu.Unlock()
	k.closeAllSessions()

	var err error
	for i := len(k.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, k.closers[i].Close())
	}
	k.closers = nil
	return err
}

// report logs a failed entry point.
func (k *KMS) report(op string, err *error) {
	if *err != nil {
		k.log.Warn(*err, op)
	}
}

func (k *KMS) initialized() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.initCount > 0
}

// Initialize starts the KMS. Calls nest: each extra Initialize returns
// CKR_CRYPTOKI_ALREADY_INITIALIZED and needs a matching Finalize.
func (k *KMS) Initialize() (err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.initCount++
	if k.initCount > 1 {
		return newError(pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED, "initialized %d times", k.initCount)
	}
	k.log.Info(errors.New("KMS initialized"), buildver.FormattedStr())
	return nil
}

// Finalize undoes one Initialize. The last one closes every session.
func (k *KMS) Finalize() error {
	k.mu.Lock()
	switch {
	case k.initCount == 0:
		k.mu.Unlock()
		return newError(pkcs11.CKR_CRYPTOKI_NOT_INITIALIZED, "finalize without initialize")
	case k.initCount > 1:
		k.initCount--
		k.mu.Unlock()
		return nil
	}
	k.initCount = 0
	k.mu.Unlock()

	k.closeAllSessions()
	k.log.Info(errors.New("KMS finalized"))
	return nil
}

func (k *KMS) closeAllSessions() {
	k.sessions.each(func(s *session) {
		if s.state != StateIdle {
			k.end(s)
		}
		k.sessions.release(s)
	})
}

// session returns the open session `h`.
func (k *KMS) session(h pkcs11.SessionHandle) (*session, error) {
	if !k.initialized() {
		return nil, newError(pkcs11.CKR_CRYPTOKI_NOT_INITIALIZED, "KMS is not initialized")
	}
	s, ok := k.sessions.get(h)
	if !ok {
		return nil, newError(pkcs11.CKR_SESSION_HANDLE_INVALID, "session %d is not open", h)
	}
	return s, nil
}

// idleSession returns the open session `h` if no operation is active on it.
func (k *KMS) idleSession(h pkcs11.SessionHandle) (*session, error) {
	s, err := k.session(h)
	if err != nil {
		return nil, err
	}
	if s.state != StateIdle {
		return nil, newError(pkcs11.CKR_SESSION_HANDLE_INVALID, "session %d is busy: %s", h, s.state)
	}
	return s, nil
}

// OpenSession opens a session on `slot`. Only serial sessions are supported.
func (k *KMS) OpenSession(slot, flags uint) (h pkcs11.SessionHandle, err error) {
	defer k.report("OpenSession", &err)
	if flags&pkcs11.CKF_SERIAL_SESSION == 0 {
		return 0, newError(pkcs11.CKR_SESSION_PARALLEL_NOT_SUPPORTED, "flags 0x%X lack CKF_SERIAL_SESSION", flags)
	}
	if !k.initialized() {
		return 0, newError(pkcs11.CKR_CRYPTOKI_NOT_INITIALIZED, "KMS is not initialized")
	}
	if slot != slotID {
		return 0, newError(pkcs11.CKR_SLOT_ID_INVALID, "no slot %d", slot)
	}
	s, ok := k.sessions.open(slot, flags)
	if !ok {
		return 0, newError(pkcs11.CKR_SESSION_COUNT, "all %d sessions are open", k.cfg.Sessions)
	}
	k.log.Info(fmt.Errorf("session %d opened", s.handle))
	return s.handle, nil
}

// CloseSession closes an idle session.
func (k *KMS) CloseSession(h pkcs11.SessionHandle) (err error) {
	defer k.report("CloseSession", &err)
	s, err := k.idleSession(h)
	if err != nil {
		return err
	}
	k.sessions.release(s)
	k.log.Info(fmt.Errorf("session %d closed", h))
	return nil
}

// CloseAllSessions closes every session of `slot`, aborting active
// operations.
func (k *KMS) CloseAllSessions(slot uint) error {
	if !k.initialized() {
		return newError(pkcs11.CKR_CRYPTOKI_NOT_INITIALIZED, "KMS is not initialized")
	}
	if slot != slotID {
		return newError(pkcs11.CKR_SLOT_ID_INVALID, "no slot %d", slot)
	}
	k.closeAllSessions()
	return nil
}

// SessionInfo describes an open session.
type SessionInfo struct {
	Handle pkcs11.SessionHandle
	Slot   uint
	Flags  uint
	State  State
	// Mechanism is the mechanism of the active operation, if any.
	Mechanism uint
}

// GetSessionInfo reports the state of session `h`.
func (k *KMS) GetSessionInfo(h pkcs11.SessionHandle) (SessionInfo, error) {
	s, err := k.session(h)
	if err != nil {
		return SessionInfo{}, err
	}
	info := SessionInfo{Handle: s.handle, Slot: s.slot, Flags: s.flags, State: s.state}
	if s.mech != nil {
		info.Mechanism = s.mech.Type
	}
	return info, nil
}

// PoolUsage returns the number of live operation contexts and the pool bytes
// they hold.
func (k *KMS) PoolUsage() (live, used int) {
	return k.pool.outstanding()
}

// GetInfo describes the library.
func (k *KMS) GetInfo() pkcs11.Info {
	v := buildver.Semver()
	return pkcs11.Info{
		CryptokiVersion:    pkcs11.Version{Major: 2, Minor: 40},
		ManufacturerID:     manufacturerID,
		LibraryDescription: model,
		LibraryVersion:     pkcs11.Version{Major: byte(v.Major), Minor: byte(v.Minor)},
	}
}

// GetTokenInfo describes the token in `slot`.
func (k *KMS) GetTokenInfo(slot uint) (pkcs11.TokenInfo, error) {
	if !k.initialized() {
		return pkcs11.TokenInfo{}, newError(pkcs11.CKR_CRYPTOKI_NOT_INITIALIZED, "KMS is not initialized")
	}
	if slot != slotID {
		return pkcs11.TokenInfo{}, newError(pkcs11.CKR_SLOT_ID_INVALID, "no slot %d", slot)
	}
	open := uint(0)
	k.sessions.each(func(*session) { open++ })
	v := buildver.Semver()
	return pkcs11.TokenInfo{
		Label:             k.cfg.Label,
		ManufacturerID:    manufacturerID,
		Model:             model,
		SerialNumber:      "0001",
		Flags:             pkcs11.CKF_TOKEN_INITIALIZED | pkcs11.CKF_WRITE_PROTECTED,
		MaxSessionCount:   uint(k.cfg.Sessions),
		SessionCount:      open,
		MaxRwSessionCount: uint(k.cfg.Sessions),
		RwSessionCount:    open,
		FirmwareVersion:   pkcs11.Version{Major: byte(v.Major), Minor: byte(v.Minor)},
	}, nil
}

const ecFlags = pkcs11.CKF_EC_F_P | pkcs11.CKF_EC_NAMEDCURVE | pkcs11.CKF_EC_UNCOMPRESS

func (k *KMS) mechanismTable() map[uint]pkcs11.MechanismInfo {
	ecMin, ecMax := uint(0), uint(0)
	for _, c := range k.curves {
		bits := uint(c.Elliptic.Params().BitSize)
		if ecMin == 0 || bits < ecMin {
			ecMin = bits
		}
		if bits > ecMax {
			ecMax = bits
		}
	}
	rsaMax := uint(k.cfg.MaxRSAModulusBytes * 8)
	rsa := pkcs11.MechanismInfo{MinKeySize: 1024, MaxKeySize: rsaMax, Flags: pkcs11.CKF_SIGN | pkcs11.CKF_VERIFY}
	aes := func(flags uint) pkcs11.MechanismInfo {
		return pkcs11.MechanismInfo{MinKeySize: 16, MaxKeySize: 32, Flags: flags}
	}
	ec := func(flags uint) pkcs11.MechanismInfo {
		return pkcs11.MechanismInfo{MinKeySize: ecMin, MaxKeySize: ecMax, Flags: flags | ecFlags}
	}
	t := map[uint]pkcs11.MechanismInfo{
		pkcs11.CKM_RSA_PKCS:             rsa,
		pkcs11.CKM_SHA1_RSA_PKCS:        rsa,
		pkcs11.CKM_SHA256_RSA_PKCS:      rsa,
		pkcs11.CKM_AES_CMAC:             aes(pkcs11.CKF_SIGN | pkcs11.CKF_VERIFY),
		pkcs11.CKM_AES_CMAC_GENERAL:     aes(pkcs11.CKF_SIGN | pkcs11.CKF_VERIFY),
		pkcs11.CKM_AES_ECB:              aes(pkcs11.CKF_ENCRYPT | pkcs11.CKF_DECRYPT),
		pkcs11.CKM_AES_CBC:              aes(pkcs11.CKF_ENCRYPT | pkcs11.CKF_DECRYPT),
		pkcs11.CKM_AES_GCM:              aes(pkcs11.CKF_ENCRYPT | pkcs11.CKF_DECRYPT),
		pkcs11.CKM_AES_ECB_ENCRYPT_DATA: aes(pkcs11.CKF_DERIVE),
		pkcs11.CKM_SHA_1:                {Flags: pkcs11.CKF_DIGEST},
		pkcs11.CKM_SHA256:               {Flags: pkcs11.CKF_DIGEST},
	}
	if len(k.curves) > 0 {
		t[pkcs11.CKM_ECDSA] = ec(pkcs11.CKF_SIGN | pkcs11.CKF_VERIFY)
		t[pkcs11.CKM_ECDSA_SHA1] = ec(pkcs11.CKF_SIGN | pkcs11.CKF_VERIFY)
		t[pkcs11.CKM_ECDSA_SHA256] = ec(pkcs11.CKF_SIGN | pkcs11.CKF_VERIFY)
		t[pkcs11.CKM_ECDH1_DERIVE] = ec(pkcs11.CKF_DERIVE)
		t[pkcs11.CKM_EC_KEY_PAIR_GEN] = ec(pkcs11.CKF_GENERATE_KEY_PAIR)
	}
	return t
}

// GetMechanismList returns the supported mechanisms in ascending order.
func (k *KMS) GetMechanismList(slot uint) ([]uint, error) {
	if !k.initialized() {
		return nil, newError(pkcs11.CKR_CRYPTOKI_NOT_INITIALIZED, "KMS is not initialized")
	}
	if slot != slotID {
		return nil, newError(pkcs11.CKR_SLOT_ID_INVALID, "no slot %d", slot)
	}
	var list []uint
	for m := range k.mechanismTable() {
		list = append(list, m)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list, nil
}

// GetMechanismInfo returns the key sizes and flags of mechanism `m`.
func (k *KMS) GetMechanismInfo(slot, m uint) (pkcs11.MechanismInfo, error) {
	if !k.initialized() {
		return pkcs11.MechanismInfo{}, newError(pkcs11.CKR_CRYPTOKI_NOT_INITIALIZED, "KMS is not initialized")
	}
	if slot != slotID {
		return pkcs11.MechanismInfo{}, newError(pkcs11.CKR_SLOT_ID_INVALID, "no slot %d", slot)
	}
	info, ok := k.mechanismTable()[m]
	if !ok {
		return pkcs11.MechanismInfo{}, newError(pkcs11.CKR_MECHANISM_INVALID, "mechanism %s is not supported", MechanismName(m))
	}
	return info, nil
}
