package gemini

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

type fakeChatCreator struct {
	mu    sync.Mutex
	calls []chatCallRecord
	queue []fakeChatResponse
}

type chatCallRecord struct {
	model  string
	config *genai.GenerateContentConfig
	chat   *fakeChat
}

type fakeChatResponse struct {
	resp *genai.GenerateContentResponse
	err  error
}

type fakeChat struct {
	mu       sync.Mutex
	response fakeChatResponse
	messages []string
}

func (f *fakeChat) SendMessage(_ context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, part := range parts {
		f.messages = append(f.messages, part.Text)
	}
	return f.response.resp, f.response.err
}

func (f *fakeChatCreator) enqueue(resp *genai.GenerateContentResponse, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, fakeChatResponse{resp: resp, err: err})
}

func (f *fakeChatCreator) Create(_ context.Context, model string, config *genai.GenerateContentConfig, _ []*genai.Content) (chatSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, errors.New("unexpected call")
	}
	res := f.queue[0]
	f.queue = f.queue[1:]
	chat := &fakeChat{response: res}
	f.calls = append(f.calls, chatCallRecord{model: model, config: config, chat: chat})
	return chat, nil
}

type fakeStreamer struct {
	responses []*genai.GenerateContentResponse
	err       error
	config    *genai.GenerateContentConfig
}

func (f *fakeStreamer) Stream(_ context.Context, _ string, _ []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
	f.config = config
	return func(yield func(*genai.GenerateContentResponse, error) bool) {
		for _, resp := range f.responses {
			if !yield(resp, nil) {
				return
			}
		}
		if f.err != nil {
			yield(nil, f.err)
		}
	}
}

type fakeEmbedder struct {
	resp *genai.EmbedContentResponse
	err  error
}

func (f *fakeEmbedder) Embed(context.Context, string, []*genai.Content, *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error) {
	return f.resp, f.err
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: text}}},
		}},
	}
}

func silenceWait(t *testing.T) {
	t.Helper()
	original := wait
	wait = func(context.Context, time.Duration) error { return nil }
	t.Cleanup(func() { wait = original })
}

func TestGenerateSendsSystemInstruction(t *testing.T) {
	chats := &fakeChatCreator{}
	chats.enqueue(textResponse("  the answer  "), nil)

	c := &Client{chats: chats, model: "gemini-pro", maxRetries: 1, logger: zap.NewNop()}

	output, err := c.Generate(context.Background(), "system", "message")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if output != "the answer" {
		t.Fatalf("unexpected output: %q", output)
	}

	if len(chats.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(chats.calls))
	}
	call := chats.calls[0]
	if call.config == nil || call.config.SystemInstruction == nil {
		t.Fatal("expected system instruction to be set")
	}
	if got := call.config.SystemInstruction.Parts[0].Text; got != "system" {
		t.Fatalf("unexpected system instruction: %q", got)
	}
	if len(call.chat.messages) != 1 || call.chat.messages[0] != "message" {
		t.Fatalf("unexpected chat message: %+v", call.chat.messages)
	}
}

func TestGenerateRetriesOnTemporaryError(t *testing.T) {
	silenceWait(t)

	chats := &fakeChatCreator{}
	chats.enqueue(nil, genai.APIError{Code: http.StatusInternalServerError, Status: "INTERNAL"})
	chats.enqueue(textResponse("retry ok"), nil)

	c := &Client{chats: chats, model: "gemini-pro", maxRetries: 2, logger: zap.NewNop()}

	output, err := c.Generate(context.Background(), "sys", "msg")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if output != "retry ok" {
		t.Fatalf("unexpected output: %q", output)
	}
	if len(chats.calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(chats.calls))
	}
}

func TestGenerateStopsAfterRetriesExhausted(t *testing.T) {
	silenceWait(t)

	chats := &fakeChatCreator{}
	tempErr := genai.APIError{Code: http.StatusInternalServerError, Status: "INTERNAL"}
	chats.enqueue(nil, tempErr)
	chats.enqueue(nil, tempErr)

	c := &Client{chats: chats, model: "gemini-pro", maxRetries: 2, logger: zap.NewNop()}

	if _, err := c.Generate(context.Background(), "sys", "msg"); err == nil {
		t.Fatal("expected error after retries exhausted")
	}
	if len(chats.calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(chats.calls))
	}
}

func TestGenerateDoesNotRetryOnLongQuotaDelay(t *testing.T) {
	chats := &fakeChatCreator{}
	chats.enqueue(nil, genai.APIError{
		Code:    http.StatusTooManyRequests,
		Status:  "RESOURCE_EXHAUSTED",
		Message: "quota exhausted, retry after 60 seconds",
	})

	c := &Client{chats: chats, model: "gemini-pro", maxRetries: 3, logger: zap.NewNop()}

	if _, err := c.Generate(context.Background(), "sys", "msg"); err == nil {
		t.Fatal("expected error when quota delay too long")
	}
	if len(chats.calls) != 1 {
		t.Fatalf("expected single call, got %d", len(chats.calls))
	}
}

func TestGenerateDoesNotRetryCallerErrors(t *testing.T) {
	chats := &fakeChatCreator{}
	chats.enqueue(nil, genai.APIError{Code: http.StatusBadRequest, Status: "INVALID_ARGUMENT"})

	c := &Client{chats: chats, model: "gemini-pro", maxRetries: 3, logger: zap.NewNop()}

	if _, err := c.Generate(context.Background(), "sys", "msg"); err == nil {
		t.Fatal("expected error")
	}
	if len(chats.calls) != 1 {
		t.Fatalf("expected single call, got %d", len(chats.calls))
	}
}

func TestGenerateJSONSetsResponseMIMEType(t *testing.T) {
	chats := &fakeChatCreator{}
	chats.enqueue(textResponse(`{"ok": true}`), nil)

	c := &Client{chats: chats, model: "gemini-pro", maxRetries: 1, logger: zap.NewNop()}

	if _, err := c.GenerateJSON(context.Background(), "sys", "msg"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := chats.calls[0].config.ResponseMIMEType; got != "application/json" {
		t.Fatalf("unexpected response mime type: %q", got)
	}
}

func TestGenerateStreamPreservesFragmentSpacing(t *testing.T) {
	streamer := &fakeStreamer{responses: []*genai.GenerateContentResponse{
		textResponse("What "),
		textResponse("is "),
		textResponse("Go?"),
	}}

	c := &Client{streamer: streamer, model: "gemini-pro", logger: zap.NewNop()}

	var out string
	for fragment, err := range c.GenerateStream(context.Background(), "sys", "msg") {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		out += fragment
	}

	if out != "What is Go?" {
		t.Fatalf("unexpected assembled text: %q", out)
	}
	if streamer.config == nil || streamer.config.SystemInstruction == nil {
		t.Fatal("expected system instruction on streaming config")
	}
}

func TestGenerateStreamSurfacesError(t *testing.T) {
	streamer := &fakeStreamer{
		responses: []*genai.GenerateContentResponse{textResponse("partial")},
		err:       errors.New("connection reset"),
	}

	c := &Client{streamer: streamer, model: "gemini-pro", logger: zap.NewNop()}

	var sawErr error
	for _, err := range c.GenerateStream(context.Background(), "sys", "msg") {
		if err != nil {
			sawErr = err
		}
	}

	if sawErr == nil {
		t.Fatal("expected the stream error to be surfaced")
	}
}

func TestEmbedConvertsVector(t *testing.T) {
	emb := &fakeEmbedder{resp: &genai.EmbedContentResponse{
		Embeddings: []*genai.ContentEmbedding{{Values: []float32{0.25, -1, 2}}},
	}}

	c := &Client{embedder: emb, embedModel: "embed-model", logger: zap.NewNop()}

	vector, err := c.Embed(context.Background(), "some text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vector) != 3 || vector[0] != 0.25 || vector[1] != -1 || vector[2] != 2 {
		t.Fatalf("unexpected vector: %v", vector)
	}
}

func TestEmbedRejectsEmptyResult(t *testing.T) {
	emb := &fakeEmbedder{resp: &genai.EmbedContentResponse{}}

	c := &Client{embedder: emb, embedModel: "embed-model", logger: zap.NewNop()}

	if _, err := c.Embed(context.Background(), "some text"); err == nil {
		t.Fatal("expected error for empty embedding")
	}
}
