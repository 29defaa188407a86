// Package provider defines the completion contract spells use to reach a
// hosted language model.
//
// A provider receives CompletionData exactly as the editor and the
// Completion component send it, fills in the sampling defaults, calls the
// model and reports a Result. Results never carry errors: a failed call is a
// Result with Success false, and the provider logs the cause.
//
// Example usage:
//
//	p := openai.New(openai.WithAPIKey(key), openai.WithRequestLog(requests))
//	res := p.Complete(ctx, provider.CompletionData{
//	    Model:  "text-davinci-003",
//	    Prompt: "Say hello",
//	}, projectID)
//	if res.Success {
//	    fmt.Println(res.Choice.Text)
//	}
package provider
