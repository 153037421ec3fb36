package core_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shpitdev/jsonapi-layout-include/pkg/pipeline/core"
)

func TestIsTransient(t *testing.T) {
	t.Parallel()

	base := errors.New("upstream 503")
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain", err: base, want: false},
		{name: "transient", err: core.Transient(base), want: true},
		{name: "wrapped transient", err: fmt.Errorf("fetch block: %w", core.Transient(base)), want: true},
		{name: "limited", err: &core.LimitedTransientError{Err: base, ExtraRetries: 1}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := core.IsTransient(tt.err); got != tt.want {
				t.Fatalf("IsTransient()=%v want=%v", got, tt.want)
			}
		})
	}
}

func TestTransient_UnwrapsToCause(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	if !errors.Is(core.Transient(base), base) {
		t.Fatalf("expected transient error to unwrap to its cause")
	}
	if core.Transient(nil) != nil {
		t.Fatalf("expected nil for nil cause")
	}
	lte := &core.LimitedTransientError{Err: base, ExtraRetries: -4}
	if lte.MaxExtraRetries() != 0 {
		t.Fatalf("negative retry cap must clamp to 0")
	}
	if !errors.Is(lte, base) {
		t.Fatalf("expected limited transient error to unwrap to its cause")
	}
}
