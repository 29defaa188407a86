package provider

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompletionData_Parameters(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		p := CompletionData{Model: "text-davinci-003", Prompt: "hi"}.Parameters()
		assert.Equal(t, Parameters{
			Temperature: 0.7,
			MaxTokens:   100,
			TopP:        1,
		}, p)
	})

	t.Run("explicit zeros are kept", func(t *testing.T) {
		var data CompletionData
		require.NoError(t, json.Unmarshal([]byte(`{"model":"ada","prompt":"x","temperature":0,"max_tokens":5,"top_p":0.5,"presence_penalty":1.5,"stop":["\n"]}`), &data))
		p := data.Parameters()
		assert.Equal(t, 0.0, p.Temperature)
		assert.Equal(t, int64(5), p.MaxTokens)
		assert.Equal(t, 0.5, p.TopP)
		assert.Equal(t, 0.0, p.FrequencyPenalty)
		assert.Equal(t, 1.5, p.PresencePenalty)
		assert.Equal(t, []string{"\n"}, p.Stop)
	})
}

func TestResult_JSON(t *testing.T) {
	b, err := json.Marshal(Result{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":false}`, string(b))

	b, err = json.Marshal(Result{Success: true, Choice: &Choice{Text: "hello", FinishReason: "stop"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"choice":{"text":"hello","index":0,"finish_reason":"stop"}}`, string(b))
}
