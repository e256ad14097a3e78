package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usewisp/wisp/pkg/engine"
)

func newTestProvider(t *testing.T, handler http.Handler) *Provider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	p, err := New(Config{
		Token:   "test-token",
		Owner:   "acme",
		BaseURL: server.URL,
	}, zerolog.Nop())
	require.NoError(t, err)
	return p
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNew_RequiresTokenAndOwner(t *testing.T) {
	_, err := New(Config{Owner: "acme"}, zerolog.Nop())
	assert.True(t, engine.IsValidation(err))

	_, err = New(Config{Token: "t"}, zerolog.Nop())
	assert.True(t, engine.IsValidation(err))
}

func TestIgnored(t *testing.T) {
	p, err := New(Config{Token: "t", Owner: "acme"}, zerolog.Nop())
	require.NoError(t, err)

	tests := []struct {
		path    string
		ignored bool
	}{
		{"src/App.tsx", false},
		{"package.json", false},
		{"index.html", false},
		{"node_modules/react/index.js", true},
		{".git/HEAD", true},
		{".github/workflows/ci.yml", true},
		{"dist/assets/index.js", true},
		{"package-lock.json", true},
		{"apps/web/yarn.lock", true},
		{".env.local", true},
		{"public/icon.png", true},
		{"src/assets/Logo.SVG", false},
		{"public/fonts/inter.woff2", true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.ignored, p.Ignored(tt.path))
		})
	}
}

func TestParseRepoURL(t *testing.T) {
	owner, name, err := ParseRepoURL("https://github.com/acme/shop-2")
	require.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "shop-2", name)

	_, name, err = ParseRepoURL("https://github.com/acme/shop.git")
	require.NoError(t, err)
	assert.Equal(t, "shop", name)

	_, _, err = ParseRepoURL("https://github.com/acme")
	assert.True(t, engine.IsValidation(err))
}

func TestCreateFromTemplate(t *testing.T) {
	var body map[string]interface{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/tmpl-owner/tmpl/generate", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"full_name": "acme/shop",
			"html_url":  "https://github.com/acme/shop",
		})
	})
	p := newTestProvider(t, mux)

	url, err := p.CreateFromTemplate(context.Background(), engine.TemplateRef{Owner: "tmpl-owner", Repo: "tmpl"}, "shop", true)
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/shop", url)
	assert.Equal(t, "shop", body["name"])
	assert.Equal(t, "acme", body["owner"])
	assert.Equal(t, true, body["private"])
}

func TestCreateFromTemplate_AlreadyExists(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/t/t/generate", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"message": "Validation Failed",
			"errors":  []map[string]string{{"resource": "Repository", "code": "custom", "message": "name already exists on this account"}},
		})
	})
	p := newTestProvider(t, mux)

	_, err := p.CreateFromTemplate(context.Background(), engine.TemplateRef{Owner: "t", Repo: "t"}, "shop", false)
	require.Error(t, err)
	assert.True(t, engine.IsAlreadyExists(err))
	assert.False(t, engine.IsRetryable(err))
}

func TestRepositoryExists(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/present", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"name": "present"})
	})
	mux.HandleFunc("GET /repos/acme/absent", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
	})
	mux.HandleFunc("GET /repos/acme/broken", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "boom"})
	})
	p := newTestProvider(t, mux)
	ctx := context.Background()

	ok, err := p.RepositoryExists(ctx, "present")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.RepositoryExists(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = p.RepositoryExists(ctx, "broken")
	require.Error(t, err)
	assert.Equal(t, engine.ErrCodeExternalService, engine.ErrorCode(err))
}

func TestFetchContent(t *testing.T) {
	files := map[string]string{
		"index.html":   "<div id=root></div>",
		"src/App.tsx":  "export default function App() {}",
		"src/main.tsx": "import App from './App'",
	}

	var mu sync.Mutex
	var fetched []string

	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/shop", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"name": "shop", "default_branch": "main"})
	})
	mux.HandleFunc("GET /repos/acme/shop/git/trees/main", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("recursive"))
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"sha": "tree",
			"tree": []map[string]interface{}{
				{"path": "src", "type": "tree"},
				{"path": "index.html", "type": "blob", "size": 20},
				{"path": "src/App.tsx", "type": "blob", "size": 32},
				{"path": "src/main.tsx", "type": "blob", "size": 23},
				{"path": "node_modules/x/index.js", "type": "blob", "size": 10},
				{"path": "public/logo.png", "type": "blob", "size": 10},
				{"path": "src/huge.json", "type": "blob", "size": 10 << 20},
			},
		})
	})
	mux.HandleFunc("GET /repos/acme/shop/contents/", func(w http.ResponseWriter, r *http.Request) {
		p := strings.TrimPrefix(r.URL.Path, "/repos/acme/shop/contents/")
		assert.Equal(t, "main", r.URL.Query().Get("ref"))
		mu.Lock()
		fetched = append(fetched, p)
		mu.Unlock()
		content, ok := files[p]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"type":     "file",
			"path":     p,
			"encoding": "base64",
			"content":  base64.StdEncoding.EncodeToString([]byte(content)),
		})
	})
	p := newTestProvider(t, mux)

	content, err := p.FetchContent(context.Background(), "https://github.com/acme/shop")
	require.NoError(t, err)

	require.Len(t, content.Files, 3)
	assert.Equal(t, "index.html", content.Files[0].Path)
	assert.Equal(t, files["src/App.tsx"], content.Files[1].Content)
	assert.Contains(t, content.Tree, "App.tsx")
	assert.NotContains(t, content.Tree, "node_modules")
	assert.ElementsMatch(t, []string{"index.html", "src/App.tsx", "src/main.tsx"}, fetched)
}

func TestFetchContent_FileFailureAborts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/shop", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"default_branch": "main"})
	})
	mux.HandleFunc("GET /repos/acme/shop/git/trees/main", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"tree": []map[string]interface{}{{"path": "a.ts", "type": "blob", "size": 1}},
		})
	})
	mux.HandleFunc("GET /repos/acme/shop/contents/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadGateway, map[string]string{"message": "upstream"})
	})
	p := newTestProvider(t, mux)

	_, err := p.FetchContent(context.Background(), "https://github.com/acme/shop")
	require.Error(t, err)
	assert.True(t, engine.IsRetryable(err))
}

func TestCommitFiles(t *testing.T) {
	var (
		treeReq   map[string]interface{}
		commitReq map[string]interface{}
		refReq    map[string]interface{}
	)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/shop/git/ref/heads/main", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ref":    "refs/heads/main",
			"object": map[string]string{"sha": "parent-sha", "type": "commit"},
		})
	})
	mux.HandleFunc("GET /repos/acme/shop/git/commits/parent-sha", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"sha":  "parent-sha",
			"tree": map[string]string{"sha": "base-tree"},
		})
	})
	mux.HandleFunc("POST /repos/acme/shop/git/trees", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&treeReq))
		writeJSON(w, http.StatusCreated, map[string]string{"sha": "new-tree"})
	})
	mux.HandleFunc("POST /repos/acme/shop/git/commits", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&commitReq))
		writeJSON(w, http.StatusCreated, map[string]string{"sha": "new-commit"})
	})
	mux.HandleFunc("PATCH /repos/acme/shop/git/refs/heads/main", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&refReq))
		writeJSON(w, http.StatusOK, map[string]interface{}{"ref": "refs/heads/main"})
	})
	p := newTestProvider(t, mux)

	err := p.CommitFiles(context.Background(), "https://github.com/acme/shop", "main", []engine.RepoFile{
		{Path: "src/App.tsx", Content: "fixed"},
		{Path: "src/index.css", Content: "body{}"},
	}, "Fix build")
	require.NoError(t, err)

	assert.Equal(t, "base-tree", treeReq["base_tree"])
	entries := treeReq["tree"].([]interface{})
	require.Len(t, entries, 2)
	first := entries[0].(map[string]interface{})
	assert.Equal(t, "src/App.tsx", first["path"])
	assert.Equal(t, "100644", first["mode"])
	assert.Equal(t, "fixed", first["content"])

	assert.Equal(t, "Fix build", commitReq["message"])
	assert.Equal(t, "new-tree", commitReq["tree"])
	assert.Equal(t, []interface{}{"parent-sha"}, commitReq["parents"])

	assert.Equal(t, "new-commit", refReq["sha"])
	assert.Equal(t, false, refReq["force"])
}

func TestCommitFiles_NoFiles(t *testing.T) {
	p := newTestProvider(t, http.NotFoundHandler())
	err := p.CommitFiles(context.Background(), "https://github.com/acme/shop", "main", nil, "empty")
	assert.True(t, engine.IsValidation(err))
}

func TestDeleteRepository(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /repos/acme/shop", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("DELETE /repos/acme/gone", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
	})
	p := newTestProvider(t, mux)

	require.NoError(t, p.DeleteRepository(context.Background(), "acme", "shop"))

	err := p.DeleteRepository(context.Background(), "acme", "gone")
	require.Error(t, err)
	assert.True(t, engine.IsNotFound(err))
}

func TestClassify_RateLimit(t *testing.T) {
	ctx := context.Background()

	t.Run("primary", func(t *testing.T) {
		p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-RateLimit-Limit", "5000")
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", "1")
			writeJSON(w, http.StatusForbidden, map[string]string{"message": "API rate limit exceeded"})
		}))
		_, err := p.RepositoryExists(ctx, "limited")
		require.Error(t, err)
		assert.True(t, engine.IsRateLimited(err))
		assert.True(t, engine.IsRetryable(err))
	})

	t.Run("secondary", func(t *testing.T) {
		p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "30")
			writeJSON(w, http.StatusForbidden, map[string]string{
				"message":           "You have exceeded a secondary rate limit",
				"documentation_url": "https://docs.github.com/rest/overview/rate-limits-for-the-rest-api#about-secondary-rate-limits",
			})
		}))
		_, err := p.RepositoryExists(ctx, "abuse")
		require.Error(t, err)
		assert.True(t, engine.IsRateLimited(err))
		wait, ok := engine.RetryAfter(err)
		assert.True(t, ok)
		assert.Equal(t, 30*time.Second, wait)
	})

	t.Run("bad credentials", func(t *testing.T) {
		p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Bad credentials"})
		}))
		_, err := p.RepositoryExists(ctx, "denied")
		require.Error(t, err)
		assert.False(t, engine.IsRetryable(err))
	})
}

func TestClassify_PlainError(t *testing.T) {
	err := classify(io.ErrUnexpectedEOF, "get_tree", "acme/shop")
	assert.Equal(t, engine.ErrCodeExternalService, engine.ErrorCode(err))
	assert.Contains(t, fmt.Sprint(err), "get_tree")
}
