// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fetch

import (
	"context"
	"io"
	"net"
	"net/url"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

const (
	maxAttempts  = 3
	initialDelay = 500 * time.Millisecond
)

// Retry runs fn up to three times, backing off 0.5s·2^(attempt-1)
// between attempts. Only network-class errors are retried; anything
// else returns immediately. The reset hook runs before each retry so
// callers can drop pooled connections that may be wedged.
func Retry(ctx context.Context, reset func(), fn func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !retriable(err) || attempt == maxAttempts {
			return err
		}

		delay := initialDelay << (attempt - 1)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if reset != nil {
			reset()
		}
	}
}

// retriable classifies network-class failures: resets, refusals,
// timeouts, DNS errors, and generic I/O truncation.
func retriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
