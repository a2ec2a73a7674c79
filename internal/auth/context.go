// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package auth carries the authenticated caller's identity through request
// contexts.
package auth

import "context"

type identityKey struct{}

// Identity is the authenticated user/device pair behind a request. Field
// crews share accounts across shifts, so the device id travels alongside the
// user id for attribution.
type Identity struct {
	UserID   string
	DeviceID string
}

// WithIdentity returns a context carrying ident.
func WithIdentity(ctx context.Context, ident Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, ident)
}

// IdentityFrom returns the identity stored by WithIdentity, if any.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	ident, ok := ctx.Value(identityKey{}).(Identity)
	return ident, ok
}
