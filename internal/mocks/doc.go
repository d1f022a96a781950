// Package mocks provides shared mock implementations for testing.
//
//	mockLLM := mocks.NewMockLLMClient()
//	mockLLM.RespondWithSequence(
//	    mocks.Step{Err: llmerrors.NewError(llmerrors.ErrorTypeTransient, "503")},
//	    mocks.Step{Content: "summary"},
//	)
//	gw := llm.NewGateway(mockLLM, 0, 0)
//
// Available mocks:
//
//   - MockLLMClient: scripted llm.LLMClient
//   - MockCounterStore: admission.CounterStore with injectable failures
package mocks
