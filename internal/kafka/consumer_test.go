package kafka

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"preflight-alerting/internal/models"
)

func TestDecode(t *testing.T) {
	run, err := Decode([]byte(`{
		"run_id": "r-1",
		"source_name": "orders",
		"status": "failed",
		"started_at": "2024-05-01T10:00:00Z",
		"finished_at": "2024-05-01T10:05:00Z",
		"rows_total": 1000,
		"rows_failed": 12,
		"checks_total": 8,
		"checks_failed": 1
	}`))
	require.NoError(t, err)
	assert.Equal(t, "r-1", run.RunID)
	assert.Equal(t, models.RunFailed, run.Status)
	assert.Equal(t, int64(12), run.RowsFailed)
	assert.False(t, run.Succeeded())
}

func TestDecode_Rejects(t *testing.T) {
	cases := map[string]string{
		"not json":        `{`,
		"missing run id":  `{"source_name":"orders","status":"success","started_at":"2024-05-01T10:00:00Z"}`,
		"missing source":  `{"run_id":"r","status":"success","started_at":"2024-05-01T10:00:00Z"}`,
		"unknown status":  `{"run_id":"r","source_name":"orders","status":"meh","started_at":"2024-05-01T10:00:00Z"}`,
		"missing start":   `{"run_id":"r","source_name":"orders","status":"success"}`,
		"negative counts": `{"run_id":"r","source_name":"orders","status":"success","started_at":"2024-05-01T10:00:00Z","rows_failed":-1}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestFetchBackoff(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, fetchBackoff(1))
	assert.Equal(t, time.Second, fetchBackoff(2))
	assert.Equal(t, 30*time.Second, fetchBackoff(10))
	assert.Equal(t, 30*time.Second, fetchBackoff(1000))
}
