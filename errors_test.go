//go:build test_unit

package go_ctrstream

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransportErrorTemporary(t *testing.T) {
	tests := []struct {
		name string
		err  *TransportError
		want bool
	}{
		{"network", &TransportError{Op: "open", Err: context.DeadlineExceeded}, true},
		{"read timeout", &TransportError{Op: "read", Err: ErrReadTimeout}, true},
		{"server error", &TransportError{Op: "open", StatusCode: http.StatusBadGateway}, true},
		{"too many requests", &TransportError{Op: "open", StatusCode: http.StatusTooManyRequests}, true},
		{"not found", &TransportError{Op: "open", StatusCode: http.StatusNotFound}, false},
		{"unsatisfiable range", &TransportError{Op: "open", StatusCode: http.StatusRequestedRangeNotSatisfiable}, false},
		{"malformed", &TransportError{Op: "open", Err: fmt.Errorf("%w: bad header", ErrMalformedResponse)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Temporary())
		})
	}
}
