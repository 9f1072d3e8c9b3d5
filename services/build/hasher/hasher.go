// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hasher computes canonical structural digests of build values.
//
// The encoding is a durable cache key format: every value is written as a
// typecode byte followed by its canonical bytes, containers bracket their
// items with separator and end bytes, and struct or variant headers carry
// the type's name. Changing any byte of this encoding invalidates every
// existing action cache.
//
// The hasher streams values in the order the caller visits them and never
// sorts. Callers must hash ordered containers only; Go maps are rejected.
package hasher

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"

	"github.com/opencontainers/go-digest"
)

// Typecodes prefixed to every encoded value.
const (
	tcBool           byte = 0x01
	tcU8             byte = 0x02
	tcU16            byte = 0x03
	tcU32            byte = 0x04
	tcU64            byte = 0x05
	tcString         byte = 0x06
	tcNone           byte = 0x07
	tcSome           byte = 0x08
	tcUnit           byte = 0x09
	tcSeq            byte = 0x0a
	tcMap            byte = 0x0b
	tcTuple          byte = 0x0c
	tcStruct         byte = 0x0d
	tcUnitVariant    byte = 0x0e
	tcNewtypeVariant byte = 0x0f
	tcStructVariant  byte = 0x10
	tcNewtypeStruct  byte = 0x11

	itemSeparator byte = 0xfe
	endMarker     byte = 0xff
)

var (
	// ErrUnsupported is returned for value shapes outside the closed set the
	// encoding defines (signed integers, floats, raw bytes, maps, ...).
	ErrUnsupported = errors.New("unsupported value shape for structural hashing")

	// ErrMalformedSum is returned when a textual digest cannot be parsed.
	ErrMalformedSum = errors.New("malformed sha256 digest")
)

// Sum is a SHA-256 digest.
//
// Its textual form is "sha256:" followed by 64 lowercase hex characters.
type Sum [sha256.Size]byte

// String returns the "sha256:<hex>" form.
func (s Sum) String() string {
	return string(s.Digest())
}

// Hex returns the lowercase hex encoding without the algorithm prefix.
func (s Sum) Hex() string {
	return hex.EncodeToString(s[:])
}

// Digest returns the OCI digest representation.
func (s Sum) Digest() digest.Digest {
	return digest.NewDigestFromBytes(digest.SHA256, s[:])
}

// IsZero reports whether s is the all-zero digest.
func (s Sum) IsZero() bool {
	return s == Sum{}
}

// MarshalText implements encoding.TextMarshaler.
func (s Sum) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Sum) UnmarshalText(text []byte) error {
	parsed, err := ParseSum(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// HashInto writes the digest as a newtype struct around its raw bytes.
func (s Sum) HashInto(e *Encoder) {
	e.NewtypeStruct("Sha256", func(e *Encoder) {
		e.Tuple(len(s), func(i int, e *Encoder) { e.U8(s[i]) })
	})
}

// ParseSum parses the "sha256:<hex>" form.
func ParseSum(text string) (Sum, error) {
	d, err := digest.Parse(text)
	if err != nil {
		return Sum{}, fmt.Errorf("%w: %q: %v", ErrMalformedSum, text, err)
	}
	if d.Algorithm() != digest.SHA256 {
		return Sum{}, fmt.Errorf("%w: %q: algorithm %s", ErrMalformedSum, text, d.Algorithm())
	}
	return ParseHex(d.Encoded())
}

// ParseHex parses 64 hex characters without a prefix.
func ParseHex(text string) (Sum, error) {
	var s Sum
	if len(text) != hex.EncodedLen(len(s)) {
		return Sum{}, fmt.Errorf("%w: %q: wrong length", ErrMalformedSum, text)
	}
	if _, err := hex.Decode(s[:], []byte(text)); err != nil {
		return Sum{}, fmt.Errorf("%w: %q: %v", ErrMalformedSum, text, err)
	}
	return s, nil
}

// SumBytes returns the SHA-256 of data.
func SumBytes(data []byte) Sum {
	return Sum(sha256.Sum256(data))
}

// Hashable is implemented by types that write their own canonical encoding.
//
// Sum types (closed sets of variants) implement it to emit variant headers,
// which reflection cannot infer.
type Hashable interface {
	HashInto(e *Encoder)
}

// Encoder streams a canonical encoding into a SHA-256 context.
//
// Thread Safety:
//
//	Encoder is NOT safe for concurrent use.
type Encoder struct {
	h       hash.Hash
	scratch [8]byte
	err     error
}

// NewEncoder returns an Encoder with a fresh SHA-256 context.
func NewEncoder() *Encoder {
	return &Encoder{h: sha256.New()}
}

// Sum returns the digest of everything written so far.
func (e *Encoder) Sum() Sum {
	var s Sum
	copy(s[:], e.h.Sum(nil))
	return s
}

// Err returns the first error recorded while encoding.
func (e *Encoder) Err() error {
	return e.err
}

// Fail records err unless an earlier error exists. Hashable implementations
// use it to reject values they cannot encode.
func (e *Encoder) Fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

func (e *Encoder) byte1(b byte) {
	e.h.Write([]byte{b})
}

func (e *Encoder) raw(p []byte) {
	e.h.Write(p)
}

func (e *Encoder) length(n int) {
	binary.LittleEndian.PutUint64(e.scratch[:], uint64(n))
	e.raw(e.scratch[:])
}

func (e *Encoder) name(s string) {
	e.length(len(s))
	e.raw([]byte(s))
}

// Bool encodes a boolean.
func (e *Encoder) Bool(v bool) {
	e.byte1(tcBool)
	if v {
		e.byte1(1)
	} else {
		e.byte1(0)
	}
}

// U8 encodes an 8-bit unsigned integer.
func (e *Encoder) U8(v uint8) {
	e.byte1(tcU8)
	e.byte1(v)
}

// U16 encodes a 16-bit unsigned integer, little-endian.
func (e *Encoder) U16(v uint16) {
	e.byte1(tcU16)
	binary.LittleEndian.PutUint16(e.scratch[:2], v)
	e.raw(e.scratch[:2])
}

// U32 encodes a 32-bit unsigned integer, little-endian.
func (e *Encoder) U32(v uint32) {
	e.byte1(tcU32)
	binary.LittleEndian.PutUint32(e.scratch[:4], v)
	e.raw(e.scratch[:4])
}

// U64 encodes a 64-bit unsigned integer, little-endian.
func (e *Encoder) U64(v uint64) {
	e.byte1(tcU64)
	binary.LittleEndian.PutUint64(e.scratch[:], v)
	e.raw(e.scratch[:])
}

// String encodes a length-prefixed UTF-8 string.
func (e *Encoder) String(v string) {
	e.byte1(tcString)
	e.name(v)
}

// None encodes an absent optional value.
func (e *Encoder) None() {
	e.byte1(tcNone)
}

// Some encodes a present optional value.
func (e *Encoder) Some(value func(e *Encoder)) {
	e.byte1(tcSome)
	value(e)
}

// Unit encodes the unit value.
func (e *Encoder) Unit() {
	e.byte1(tcUnit)
}

func (e *Encoder) items(n int, item func(i int, e *Encoder)) {
	for i := 0; i < n; i++ {
		e.byte1(itemSeparator)
		item(i, e)
	}
	e.byte1(endMarker)
}

// Seq encodes n elements produced by item, in index order.
func (e *Encoder) Seq(n int, item func(i int, e *Encoder)) {
	e.byte1(tcSeq)
	e.items(n, item)
}

// Map encodes n entries; entry must write the key and then the value.
// The caller is responsible for a deterministic entry order.
func (e *Encoder) Map(n int, entry func(i int, e *Encoder)) {
	e.byte1(tcMap)
	e.items(n, entry)
}

// Tuple encodes a fixed-length heterogeneous sequence.
func (e *Encoder) Tuple(n int, item func(i int, e *Encoder)) {
	e.byte1(tcTuple)
	e.items(n, item)
}

// Struct encodes a named struct with n fields written in declaration order.
func (e *Encoder) Struct(name string, n int, field func(i int, e *Encoder)) {
	e.byte1(tcStruct)
	e.name(name)
	e.items(n, field)
}

// NewtypeStruct encodes a named wrapper around a single value.
func (e *Encoder) NewtypeStruct(name string, value func(e *Encoder)) {
	e.byte1(tcNewtypeStruct)
	e.name(name)
	value(e)
}

func (e *Encoder) variantHeader(tc byte, enum, variant string, index uint32) {
	e.byte1(tc)
	e.name(enum)
	e.name(variant)
	binary.LittleEndian.PutUint32(e.scratch[:4], index)
	e.raw(e.scratch[:4])
}

// UnitVariant encodes a payload-free enum variant.
func (e *Encoder) UnitVariant(enum, variant string, index uint32) {
	e.variantHeader(tcUnitVariant, enum, variant, index)
}

// NewtypeVariant encodes an enum variant carrying one value.
func (e *Encoder) NewtypeVariant(enum, variant string, index uint32, value func(e *Encoder)) {
	e.variantHeader(tcNewtypeVariant, enum, variant, index)
	value(e)
}

// StructVariant encodes an enum variant carrying n named fields.
func (e *Encoder) StructVariant(enum, variant string, index uint32, n int, field func(i int, e *Encoder)) {
	e.variantHeader(tcStructVariant, enum, variant, index)
	e.items(n, field)
}

// Hash returns the structural digest of v.
//
// Description:
//
//	Walks v by reflection. Supported shapes are bool, unsigned integers,
//	strings, pointers (optional values), slices and arrays of supported
//	elements, structs (exported fields in declaration order, fields tagged
//	`hash:"-"` skipped) and any type implementing Hashable.
//
// Outputs:
//
//	Sum - The digest. Zero when err is non-nil.
//	error - ErrUnsupported (wrapped) for values outside the closed set.
func Hash(v any) (Sum, error) {
	e := NewEncoder()
	e.Value(v)
	if e.err != nil {
		return Sum{}, e.err
	}
	return e.Sum(), nil
}
