package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSecretKey(t *testing.T) {
	tests := []struct {
		key    string
		secret bool
	}{
		{"apiKey", true},
		{"api_key", true},
		{"openai_token", true},
		{"Authorization", true},
		{"awsSecretAccessKey", true},
		{"dbPassword", true},
		{"credentials", true},
		{"targetPayeeId", false},
		{"changesApplied", false},
		{"error", false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.secret, IsSecretKey(tt.key))
		})
	}
}

func TestRedactMap(t *testing.T) {
	in := map[string]any{
		"planId":  "p1",
		"apiKey":  "sk-live-12345",
		"attempt": 2,
		"connection": map[string]any{
			"host":     "localhost",
			"password": "hunter2",
		},
	}

	out := RedactMap(in)

	assert.Equal(t, "p1", out["planId"])
	assert.Equal(t, RedactedValue, out["apiKey"])
	assert.Equal(t, 2, out["attempt"])
	nested := out["connection"].(map[string]any)
	assert.Equal(t, "localhost", nested["host"])
	assert.Equal(t, RedactedValue, nested["password"])

	// Input stays untouched.
	assert.Equal(t, "sk-live-12345", in["apiKey"])
	assert.Equal(t, "hunter2", in["connection"].(map[string]any)["password"])
}

func TestRedactMap_Nil(t *testing.T) {
	assert.Nil(t, RedactMap(nil))
	assert.Nil(t, RedactStringMap(nil))
}

func TestRedactStringMap(t *testing.T) {
	out := RedactStringMap(map[string]string{
		"targetPayeeId": "p1",
		"budgetToken":   "tok-abc",
	})
	assert.Equal(t, "p1", out["targetPayeeId"])
	assert.Equal(t, RedactedValue, out["budgetToken"])
}
