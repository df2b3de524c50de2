package handler

import (
	"net/http"
	"testing"

	"github.com/pvzzle/cryptopay/internal/payment"

	"github.com/stretchr/testify/assert"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind payment.Kind
		want int
	}{
		{payment.KindVerified, http.StatusOK},
		{payment.KindAlreadyRecorded, http.StatusOK},
		{payment.KindInProgress, http.StatusAccepted},
		{payment.KindCommitFailed, http.StatusInternalServerError},
		{payment.KindInternal, http.StatusInternalServerError},
		{payment.KindMissingFields, http.StatusBadRequest},
		{payment.KindSessionConflict, http.StatusBadRequest},
		{payment.KindRejected, http.StatusBadRequest},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(payment.Response{Kind: tt.kind}), string(tt.kind))
	}
}
