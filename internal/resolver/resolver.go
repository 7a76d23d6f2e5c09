// Package resolver looks up host names over the active bearer without
// blocking the caller.
package resolver

import (
	"context"
	"fmt"
	"net/netip"
)

// Code is the immediate result of a Lookup.
type Code int

const (
	CodeSuccess        Code = 0
	CodeError          Code = -1
	CodeWouldBlock     Code = -2
	CodeLimitResource  Code = -3
	CodeInvalidAccount Code = -5
	CodeInvalidArgs    Code = -10
)

func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeError:
		return "error"
	case CodeWouldBlock:
		return "would-block"
	case CodeLimitResource:
		return "limit-resource"
	case CodeInvalidAccount:
		return "invalid-account"
	case CodeInvalidArgs:
		return "invalid-args"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Callback receives the outcome of a lookup that returned CodeWouldBlock.
// addrs is non-empty only when code is CodeSuccess.
type Callback func(addrs []netip.Addr, code Code)

// Resolver is the DNS service.
type Resolver interface {
	// Lookup resolves host over the bearer data account. On CodeSuccess the
	// addresses are returned directly. On CodeWouldBlock the outcome
	// arrives through cb, unless a later Lookup for the same host returns
	// it first. Any other code is final and cb is not called.
	Lookup(ctx context.Context, account uint32, host string, cb Callback) (Code, []netip.Addr)
}
