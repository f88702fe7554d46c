// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

// Package consoleauth implements the signed bearer tokens the console
// hands out on login.
package consoleauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"

	"github.com/zeebo/errs"
)

// Error is the default consoleauth errs class.
var Error = errs.Class("consoleauth")

// Token is a signed claims payload.
type Token struct {
	Payload   []byte
	Signature []byte
}

// String returns the base64url serialization of the token.
func (t Token) String() string {
	payload := base64.URLEncoding.EncodeToString(t.Payload)
	signature := base64.URLEncoding.EncodeToString(t.Signature)
	return strings.Join([]string{payload, signature}, ".")
}

// FromBase64URLString parses a token from its serialized form.
func FromBase64URLString(s string) (Token, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return Token{}, Error.New("invalid token format")
	}
	payload, err := base64.URLEncoding.DecodeString(parts[0])
	if err != nil {
		return Token{}, Error.Wrap(err)
	}
	signature, err := base64.URLEncoding.DecodeString(parts[1])
	if err != nil {
		return Token{}, Error.Wrap(err)
	}
	return Token{Payload: payload, Signature: signature}, nil
}

// Hmac signs token payloads with HMAC-SHA256.
type Hmac struct {
	Secret []byte
}

// Sign returns the signature of data.
func (a *Hmac) Sign(data []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, a.Secret)
	if _, err := mac.Write(data); err != nil {
		return nil, Error.Wrap(err)
	}
	return mac.Sum(nil), nil
}

// SignToken computes and sets the token's signature.
func (a *Hmac) SignToken(token *Token) error {
	signature, err := a.Sign(token.Payload)
	if err != nil {
		return err
	}
	token.Signature = signature
	return nil
}

// Verify reports whether the token's signature matches its payload.
func (a *Hmac) Verify(token Token) (bool, error) {
	expected, err := a.Sign(token.Payload)
	if err != nil {
		return false, err
	}
	return hmac.Equal(expected, token.Signature), nil
}
