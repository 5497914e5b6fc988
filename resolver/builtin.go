package resolver

import (
	"context"
	"time"
)

// Built-in dynamic methods available in every deployment. Definitions bind
// to them by method name; a "format" static param overrides the Go layout.

// CurrentDateMethod resolves to today's date.
func CurrentDateMethod() Method {
	return MethodFunc{
		MethodName: "current_date",
		Fn: func(_ context.Context, args map[string]string) (string, error) {
			layout := args["format"]
			if layout == "" {
				layout = "2006-01-02"
			}
			return time.Now().Format(layout), nil
		},
	}
}

// CurrentTimeMethod resolves to the current wall-clock time.
func CurrentTimeMethod() Method {
	return MethodFunc{
		MethodName: "current_time",
		Fn: func(_ context.Context, args map[string]string) (string, error) {
			layout := args["format"]
			if layout == "" {
				layout = "15:04:05"
			}
			return time.Now().Format(layout), nil
		},
	}
}
