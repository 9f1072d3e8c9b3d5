// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hasher

import (
	"fmt"
	"reflect"
)

var hashableType = reflect.TypeFor[Hashable]()

// Value encodes v by reflection. See Hash for the supported shapes.
func (e *Encoder) Value(v any) {
	e.reflectValue(reflect.ValueOf(v))
}

func (e *Encoder) reflectValue(rv reflect.Value) {
	if e.err != nil {
		return
	}
	if !rv.IsValid() {
		e.Fail(fmt.Errorf("%w: untyped nil", ErrUnsupported))
		return
	}

	rt := rv.Type()
	if rt.Kind() != reflect.Pointer && rt.Kind() != reflect.Interface && rt.Implements(hashableType) {
		rv.Interface().(Hashable).HashInto(e)
		return
	}
	if rv.CanAddr() && reflect.PointerTo(rt).Implements(hashableType) {
		rv.Addr().Interface().(Hashable).HashInto(e)
		return
	}

	switch rt.Kind() {
	case reflect.Bool:
		e.Bool(rv.Bool())
	case reflect.Uint8:
		e.U8(uint8(rv.Uint()))
	case reflect.Uint16:
		e.U16(uint16(rv.Uint()))
	case reflect.Uint32:
		e.U32(uint32(rv.Uint()))
	case reflect.Uint64, reflect.Uint:
		e.U64(rv.Uint())
	case reflect.String:
		e.String(rv.String())
	case reflect.Pointer:
		if rv.IsNil() {
			e.None()
			return
		}
		e.Some(func(e *Encoder) { e.reflectValue(rv.Elem()) })
	case reflect.Interface:
		if rv.IsNil() {
			e.None()
			return
		}
		e.reflectValue(rv.Elem())
	case reflect.Slice:
		if rt.Elem().Kind() == reflect.Uint8 {
			e.Fail(fmt.Errorf("%w: raw bytes %s", ErrUnsupported, rt))
			return
		}
		e.Seq(rv.Len(), func(i int, e *Encoder) { e.reflectValue(rv.Index(i)) })
	case reflect.Array:
		e.Tuple(rv.Len(), func(i int, e *Encoder) { e.reflectValue(rv.Index(i)) })
	case reflect.Struct:
		e.reflectStruct(rv)
	default:
		e.Fail(fmt.Errorf("%w: %s", ErrUnsupported, rt))
	}
}

func (e *Encoder) reflectStruct(rv reflect.Value) {
	rt := rv.Type()
	if rt.Name() == "" {
		e.Fail(fmt.Errorf("%w: anonymous struct %s", ErrUnsupported, rt))
		return
	}
	fields := make([]int, 0, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if !f.IsExported() || f.Tag.Get("hash") == "-" {
			continue
		}
		fields = append(fields, i)
	}
	if len(fields) == 0 {
		e.Fail(fmt.Errorf("%w: unit struct %s", ErrUnsupported, rt))
		return
	}
	e.Struct(rt.Name(), len(fields), func(i int, e *Encoder) {
		e.reflectValue(rv.Field(fields[i]))
	})
}
