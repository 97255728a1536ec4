package ingestion

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revback/core/internal/models"
)

func TestFilterHeaders(t *testing.T) {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("Stripe-Signature", "t=123,v1=abc")
	headers.Set("User-Agent", "Stripe/1.0")
	headers.Set("Authorization", "Bearer secret-token")
	headers.Set("Cookie", "session=abc")
	headers.Set("X-Api-Key", "key-123")

	filtered := FilterHeaders(headers)

	assert.Equal(t, "application/json", filtered["content-type"])
	assert.Equal(t, "t=123,v1=abc", filtered["stripe-signature"])
	assert.Equal(t, "Stripe/1.0", filtered["user-agent"])

	assert.NotContains(t, filtered, "authorization")
	assert.NotContains(t, filtered, "cookie")
	assert.NotContains(t, filtered, "x-api-key")
}

func TestJobPayloadRoundTrip(t *testing.T) {
	job := Job{
		LogID:  uuid.New(),
		OrgID:  uuid.New(),
		Source: models.SourceApple,
	}

	payload, err := json.Marshal(job)
	require.NoError(t, err)

	var decoded Job
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, job, decoded)
}

func TestJobIDIsStablePerLog(t *testing.T) {
	logID := uuid.MustParse("8d7c1c2a-4f6e-4f3b-9b59-1af0e06e2f11")
	assert.Equal(t, "webhook-8d7c1c2a-4f6e-4f3b-9b59-1af0e06e2f11", JobID(logID))
	assert.Equal(t, JobID(logID), JobID(logID))
}
