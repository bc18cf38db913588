/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"errors"
	"fmt"
	"sync"
	ratomic "sync/atomic"
)

// Errs accumulates up to maxErrs distinct errors behind a single lock,
// mirroring how the teacher's cmn/cos package folds multiple async failures
// (e.g. per-slave unmap acks) into one reportable error.
type Errs struct {
	errs []error
	cnt  int64
	mu   sync.Mutex
}

const maxErrs = 4

func (e *Errs) Add(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, added := range e.errs {
		if added.Error() == err.Error() {
			return
		}
	}
	if len(e.errs) < maxErrs {
		e.errs = append(e.errs, err)
		ratomic.StoreInt64(&e.cnt, int64(len(e.errs)))
	}
}

func (e *Errs) Cnt() int { return int(ratomic.LoadInt64(&e.cnt)) }

func (e *Errs) JoinErr() (cnt int, err error) {
	if cnt = e.Cnt(); cnt > 0 {
		e.mu.Lock()
		err = errors.Join(e.errs...)
		e.mu.Unlock()
	}
	return
}

func (e *Errs) Error() string {
	cnt, err := e.JoinErr()
	if cnt == 0 {
		return ""
	}
	return err.Error()
}

func Plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

func Errf(format string, a ...any) error { return fmt.Errorf(format, a...) }
