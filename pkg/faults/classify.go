package faults

import (
	"context"
	"errors"
	"strings"
)

// Category refines ToolFault into causes that decide retryability.
type Category string

const (
	CatTransient  Category = "TRANSIENT"
	CatPermanent  Category = "PERMANENT"
	CatPermission Category = "PERMISSION"
	CatRateLimit  Category = "RATE_LIMIT"
	CatTimeout    Category = "TIMEOUT"
	CatValidation Category = "VALIDATION"
	CatNotFound   Category = "NOT_FOUND"
	CatInternal   Category = "INTERNAL"
)

// ClassifyToolError maps a raw error returned by a tool implementation to a
// classified *Error. Already classified errors pass through unchanged.
func ClassifyToolError(tool string, err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	switch {
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindTaskCancelled, Op: "invoke", Subject: tool, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindToolTimeout, Op: "invoke", Subject: tool, Code: string(CatTimeout), Err: err}
	}

	cat := categorize(err.Error())
	out := &Error{Kind: KindToolFault, Op: "invoke", Subject: tool, Code: string(cat), Err: err}
	switch cat {
	case CatPermission, CatNotFound, CatValidation:
		out.Permanent = true
	case CatTimeout:
		out.Kind = KindToolTimeout
	}
	return out
}

func categorize(msg string) Category {
	msg = strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return CatTimeout
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "throttl"):
		return CatRateLimit
	case strings.Contains(msg, "permission"), strings.Contains(msg, "forbidden"), strings.Contains(msg, "unauthorized"):
		return CatPermission
	case strings.Contains(msg, "not found"), strings.Contains(msg, "no such file"):
		return CatNotFound
	case strings.Contains(msg, "invalid"), strings.Contains(msg, "validation"):
		return CatValidation
	case strings.Contains(msg, "temporary"), strings.Contains(msg, "retry"), strings.Contains(msg, "unavailable"):
		return CatTransient
	default:
		return CatInternal
	}
}
