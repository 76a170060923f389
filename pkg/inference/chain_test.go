package inference_test

import (
	"context"
	"errors"
	"testing"

	"github.com/voxfront/voxfront/pkg/inference"
)

func TestChainFallsBack(t *testing.T) {
	failing := inference.WithError(errors.New("down"))
	working := inference.NewMock()

	chain, err := inference.NewChain(failing, working)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := chain.Chat(context.Background(), &inference.ChatRequest{
		Messages: []inference.Message{inference.NewUserMessage("hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Message.Content == "" {
		t.Error("expected a response from the fallback provider")
	}
	if working.CallCount("Chat") != 1 {
		t.Errorf("expected fallback Chat called once, got %d", working.CallCount("Chat"))
	}
}

func TestChainAllFail(t *testing.T) {
	errA := errors.New("a down")
	errB := errors.New("b down")

	chain, _ := inference.NewChain(inference.WithError(errA), inference.WithError(errB))

	_, err := chain.Chat(context.Background(), &inference.ChatRequest{})
	if err == nil {
		t.Fatal("expected error")
	}

	var chainErr *inference.ChainError
	if !errors.As(err, &chainErr) {
		t.Fatalf("expected ChainError, got %T", err)
	}
	if len(chainErr.Errors) != 2 {
		t.Errorf("expected 2 errors, got %d", len(chainErr.Errors))
	}
	if !errors.Is(err, errB) {
		t.Error("expected Unwrap to reach the last error")
	}
}

func TestChainRequiresProviders(t *testing.T) {
	if _, err := inference.NewChain(); !errors.Is(err, inference.ErrProviderUnavailable) {
		t.Errorf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestScriptedStream(t *testing.T) {
	stream := inference.NewScriptedStream("one ", "two ", "three")

	var text string
	for {
		chunk, err := stream.Recv()
		if err != nil {
			t.Fatal(err)
		}
		if chunk.Done {
			break
		}
		text += chunk.Delta
	}
	if text != "one two three" {
		t.Errorf("unexpected text %q", text)
	}

	stream.Close()
	if _, err := stream.Recv(); !errors.Is(err, inference.ErrStreamClosed) {
		t.Errorf("expected ErrStreamClosed, got %v", err)
	}
}
