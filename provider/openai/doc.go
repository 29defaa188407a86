/*
Package openai implements provider.Provider on the legacy OpenAI completions
endpoint.

Every successful call is written to the request log with the prompt, the raw
response, the resolved sampling parameters and its cost, priced by model
family through pkg/cost.

Example configuration:

	p := openai.New(
		openai.WithAPIKey(os.Getenv("OPENAI_API_KEY")),
		openai.WithEndpoint(os.Getenv("OPENAI_ENDPOINT")),
		openai.WithRequestLog(requests),
		openai.WithRequestOptions(option.WithMaxRetries(1)),
	)

A request may carry its own apiKey; clients are created once per key and
shared across goroutines.
*/
package openai
