package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/rs/zerolog"
	goopenai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usewisp/wisp/pkg/engine"
)

type fakeServer struct {
	mu       sync.Mutex
	requests []goopenai.ChatCompletionRequest
	replies  []func(w http.ResponseWriter)
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req goopenai.ChatCompletionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	f.requests = append(f.requests, req)
	i := len(f.requests) - 1
	f.mu.Unlock()

	if i >= len(f.replies) {
		http.Error(w, "unexpected request", http.StatusInternalServerError)
		return
	}
	f.replies[i](w)
}

func reply(content string, finish goopenai.FinishReason) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(goopenai.ChatCompletionResponse{
			ID:    "chatcmpl-1",
			Model: goopenai.GPT4o,
			Choices: []goopenai.ChatCompletionChoice{{
				Message:      goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleAssistant, Content: content},
				FinishReason: finish,
			}},
			Usage: goopenai.Usage{PromptTokens: 10, CompletionTokens: 5},
		})
	}
}

func replyError(status int, message string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{"message": message, "type": "error"},
		})
	}
}

func newTestGenerator(t *testing.T, fake *fakeServer) *Generator {
	t.Helper()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	g, err := New(Config{
		APIKey:            "sk-test",
		BaseURL:           server.URL + "/v1",
		RequestsPerMinute: 6000,
	}, zerolog.Nop())
	require.NoError(t, err)
	return g
}

const validChanges = `{"changes": [{"path": "src/App.tsx", "content": "export default function App() { return null }", "description": "Replace the template screen with the app shell"}]}`

func testRepository() *engine.RepositoryContent {
	return &engine.RepositoryContent{
		Tree:  "shop/\n└── src/\n    └── App.tsx\n",
		Files: []engine.RepoFile{{Path: "src/App.tsx", Content: "template"}},
	}
}

func TestNew_Defaults(t *testing.T) {
	_, err := New(Config{}, zerolog.Nop())
	assert.True(t, engine.IsValidation(err))

	g, err := New(Config{APIKey: "k", Model: "gpt-4o-mini"}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", g.config.Model)
	assert.Equal(t, "gpt-4o-mini", g.config.PlanModel)
	assert.Equal(t, 20, g.config.RequestsPerMinute)
}

func TestGenerateChanges_Feature(t *testing.T) {
	fake := &fakeServer{replies: []func(http.ResponseWriter){
		reply("1. Add a cart", goopenai.FinishReasonStop),
		reply(validChanges, goopenai.FinishReasonStop),
	}}
	g := newTestGenerator(t, fake)

	cs, err := g.GenerateChanges(context.Background(), engine.GenerationRequest{
		Purpose:     engine.PurposeFeature,
		ProjectName: "shop",
		Instruction: "A shopping list",
		Repository:  testRepository(),
	})
	require.NoError(t, err)
	require.Len(t, cs.Changes, 1)
	assert.Equal(t, "src/App.tsx", cs.Changes[0].Path)

	require.Len(t, fake.requests, 2)
	plan, changes := fake.requests[0], fake.requests[1]
	assert.Nil(t, plan.ResponseFormat)
	assert.Contains(t, plan.Messages[1].Content, "A shopping list")
	assert.Contains(t, plan.Messages[1].Content, "template")

	require.NotNil(t, changes.ResponseFormat)
	assert.Equal(t, goopenai.ChatCompletionResponseFormatTypeJSONObject, changes.ResponseFormat.Type)
	assert.Contains(t, changes.Messages[1].Content, "1. Add a cart")
}

func TestGenerateChanges_Fix(t *testing.T) {
	fake := &fakeServer{replies: []func(http.ResponseWriter){
		reply(validChanges, goopenai.FinishReasonStop),
	}}
	g := newTestGenerator(t, fake)

	cs, err := g.GenerateChanges(context.Background(), engine.GenerationRequest{
		Purpose:     engine.PurposeFix,
		Instruction: "error TS2304: Cannot find name 'Foo'",
		Repository:  testRepository(),
	})
	require.NoError(t, err)
	assert.Len(t, cs.Changes, 1)
	require.Len(t, fake.requests, 1)
	assert.Contains(t, fake.requests[0].Messages[1].Content, "TS2304")
}

func TestGenerateChanges_EmptyFix(t *testing.T) {
	fake := &fakeServer{replies: []func(http.ResponseWriter){
		reply(`{"changes": []}`, goopenai.FinishReasonStop),
	}}
	g := newTestGenerator(t, fake)

	cs, err := g.GenerateChanges(context.Background(), engine.GenerationRequest{Purpose: engine.PurposeFix})
	require.NoError(t, err)
	assert.True(t, cs.Empty())
}

func TestGenerateChanges_Errors(t *testing.T) {
	tests := []struct {
		name  string
		reply func(http.ResponseWriter)
		check func(t *testing.T, err error)
	}{
		{
			name:  "rate limited",
			reply: replyError(http.StatusTooManyRequests, "Rate limit reached"),
			check: func(t *testing.T, err error) {
				assert.True(t, engine.IsRateLimited(err))
				assert.True(t, engine.IsRetryable(err))
			},
		},
		{
			name:  "bad key",
			reply: replyError(http.StatusUnauthorized, "Incorrect API key"),
			check: func(t *testing.T, err error) {
				assert.False(t, engine.IsRetryable(err))
			},
		},
		{
			name:  "server error",
			reply: replyError(http.StatusInternalServerError, "boom"),
			check: func(t *testing.T, err error) {
				assert.Equal(t, engine.ErrCodeExternalService, engine.ErrorCode(err))
				assert.True(t, engine.IsRetryable(err))
			},
		},
		{
			name:  "malformed json",
			reply: reply(`{"changes": [`, goopenai.FinishReasonStop),
			check: func(t *testing.T, err error) {
				assert.True(t, engine.IsValidation(err))
			},
		},
		{
			name:  "truncated",
			reply: reply(validChanges, goopenai.FinishReasonLength),
			check: func(t *testing.T, err error) {
				assert.True(t, engine.IsValidation(err))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGenerator(t, &fakeServer{replies: []func(http.ResponseWriter){tt.reply}})
			_, err := g.GenerateChanges(context.Background(), engine.GenerationRequest{Purpose: engine.PurposeFix})
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestGenerateChanges_UnknownPurpose(t *testing.T) {
	g := newTestGenerator(t, &fakeServer{})
	_, err := g.GenerateChanges(context.Background(), engine.GenerationRequest{Purpose: "refactor"})
	assert.True(t, engine.IsValidation(err))
}

func TestParseChangeSet(t *testing.T) {
	cs, err := ParseChangeSet("```json\n" + validChanges + "\n```")
	require.NoError(t, err)
	assert.Len(t, cs.Changes, 1)

	_, err = ParseChangeSet(`{"changes": [{"path": "../etc/passwd", "content": "x", "description": "short"}]}`)
	assert.True(t, engine.IsValidation(err))
}

func TestRenderRepository_Truncates(t *testing.T) {
	g, err := New(Config{APIKey: "k", MaxRepositoryBytes: 32}, zerolog.Nop())
	require.NoError(t, err)

	repo := &engine.RepositoryContent{Files: []engine.RepoFile{{Path: "a.ts", Content: strings.Repeat("x", 100)}}}
	out := g.renderRepository(repo)
	assert.True(t, strings.HasSuffix(out, "[repository truncated]\n"))
	assert.Empty(t, g.renderRepository(nil))
}

func TestRenderRepository_TruncatesOnRuneBoundary(t *testing.T) {
	repo := &engine.RepositoryContent{Files: []engine.RepoFile{{Path: "a.ts", Content: strings.Repeat("ü", 100)}}}

	for limit := 50; limit <= 60; limit++ {
		g, err := New(Config{APIKey: "k", MaxRepositoryBytes: limit}, zerolog.Nop())
		require.NoError(t, err)

		out := g.renderRepository(repo)
		require.True(t, strings.HasSuffix(out, "\n[repository truncated]\n"), "limit %d", limit)
		body := strings.TrimSuffix(out, "\n[repository truncated]\n")
		assert.True(t, utf8.ValidString(out), "limit %d produced invalid UTF-8", limit)
		assert.LessOrEqual(t, len(body), limit)
		assert.GreaterOrEqual(t, len(body), limit-1)
	}
}
