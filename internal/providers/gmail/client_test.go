package gmail

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"

	"github.com/Martian-dev/mail-mirror/internal/apperr"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want apperr.Kind
	}{
		{
			"unauthorized",
			&googleapi.Error{Code: http.StatusUnauthorized},
			apperr.KindReauthRequired,
		},
		{
			"forbidden missing scope",
			&googleapi.Error{Code: http.StatusForbidden, Errors: []googleapi.ErrorItem{{Reason: "insufficientPermissions"}}},
			apperr.KindRemoteAccessForbidden,
		},
		{
			"forbidden rate limit",
			&googleapi.Error{Code: http.StatusForbidden, Errors: []googleapi.ErrorItem{{Reason: "rateLimitExceeded"}}},
			apperr.KindRemoteRateLimited,
		},
		{
			"too many requests",
			&googleapi.Error{Code: http.StatusTooManyRequests},
			apperr.KindRemoteRateLimited,
		},
		{
			"server error",
			&googleapi.Error{Code: http.StatusInternalServerError},
			apperr.KindRemoteFetchFailed,
		},
		{
			"network failure",
			errors.New("dial tcp: connection refused"),
			apperr.KindRemoteFetchFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err, "op failed")
			assert.Equal(t, tt.want, apperr.KindOf(got))
		})
	}
}
