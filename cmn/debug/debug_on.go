//go:build debug

// Package debug provides debug utilities
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package debug

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/Eyescale/Collage-sub000/cmn/nlog"
)

func ON() bool { return true }

func Infof(format string, a ...any) { nlog.Infof(format, a...) }

func Func(f func()) { f() }

func Assert(cond bool, args ...any) {
	if !cond {
		panic(fmt.Sprint("assertion failed: ", fmt.Sprint(args...)))
	}
}

func AssertFunc(f func() bool, args ...any) { Assert(f(), args...) }

func AssertNoErr(err error) {
	if err != nil {
		panic("assertion failed: " + err.Error())
	}
}

func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic("assertion failed: " + fmt.Sprintf(format, args...))
	}
}

func AssertNotPstr(v any) {
	Assert(v != nil, "unexpected nil pointer")
}

func FailTypeCast(v any) {
	panic(fmt.Sprintf("unexpected type %T", v))
}

// AssertMutexLocked and friends are best-effort: sync.Mutex exposes no
// "is locked" query, so these only document intent at call sites (matching
// the teacher's debug-build-only contract rather than actually probing lock
// state, which Go's sync primitives do not support).
func AssertMutexLocked(_ *sync.Mutex)      {}
func AssertRWMutexLocked(_ *sync.RWMutex)  {}
func AssertRWMutexRLocked(_ *sync.RWMutex) {}

func Handlers() map[string]http.HandlerFunc { return nil }
