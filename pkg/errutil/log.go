// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package errutil

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/samber/oops"
)

// LogError logs an error with structured context if it's an oops error.
// For oops errors, it extracts and logs the message, code, context, and stacktrace.
// For standard errors, it logs the error string.
func LogError(logger *slog.Logger, msg string, err error, attrs ...any) {
	if oopsErr, ok := oops.AsOops(err); ok {
		attrs = append(attrs, "error", oopsErr.Error())
		if code := oopsErr.Code(); code != nil {
			attrs = append(attrs, "code", code)
		}
		if ctx := oopsErr.Context(); len(ctx) > 0 {
			attrs = append(attrs, "context", ctx)
		}
	} else {
		attrs = append(attrs, "error", err)
	}
	attrs = append(attrs, CauseAttrs(err, 2)...)
	logger.Error(msg, attrs...)
}

// CauseChain returns up to depth nested causes below err, outermost first.
// Joined errors contribute their first branch.
func CauseChain(err error, depth int) []error {
	var chain []error
	for cur := unwrapOnce(err); cur != nil && len(chain) < depth; cur = unwrapOnce(cur) {
		chain = append(chain, cur)
	}
	return chain
}

// CauseAttrs renders CauseChain as slog key/value pairs cause_1..cause_n.
func CauseAttrs(err error, depth int) []any {
	chain := CauseChain(err, depth)
	attrs := make([]any, 0, len(chain)*2)
	for i, cause := range chain {
		attrs = append(attrs, fmt.Sprintf("cause_%d", i+1), cause.Error())
	}
	return attrs
}

func unwrapOnce(err error) error {
	if err == nil {
		return nil
	}
	if multi, ok := err.(interface{ Unwrap() []error }); ok {
		errs := multi.Unwrap()
		if len(errs) == 0 {
			return nil
		}
		return errs[0]
	}
	return errors.Unwrap(err)
}
