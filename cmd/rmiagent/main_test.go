package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/rmiagent/internal/api"
	"github.com/mattjoyce/rmiagent/internal/catalog"
)

func runCLI(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunWithoutArgsPrintsUsage(t *testing.T) {
	code, _, stderr := runCLI()
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Usage:")
}

func TestRunUnknownCommand(t *testing.T) {
	code, _, stderr := runCLI("frobnicate")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Unknown command: frobnicate")
}

func TestVersion(t *testing.T) {
	code, stdout, _ := runCLI("version")
	assert.Equal(t, 0, code)
	assert.Equal(t, "rmiagent version "+version+"\n", stdout)
}

func TestNounHelp(t *testing.T) {
	for _, noun := range []string{"agent", "request", "config"} {
		code, stdout, _ := runCLI(noun, "help")
		assert.Equal(t, 0, code, noun)
		assert.Contains(t, stdout, "Usage: rmiagent "+noun, noun)
	}
}

func TestCancelBody(t *testing.T) {
	tests := []struct {
		name     string
		sn       string
		criteria string
		want     api.CancelRequest
		wantErr  string
	}{
		{name: "by sn", sn: "abc", want: api.CancelRequest{SN: "abc"}},
		{
			name:     "by criteria",
			criteria: `{"field":{"job":{"eq":"build"}}}`,
			want: api.CancelRequest{Criteria: map[string]any{
				"field": map[string]any{"job": map[string]any{"eq": "build"}},
			}},
		},
		{name: "neither", wantErr: "required"},
		{name: "both", sn: "abc", criteria: `{"eq":1}`, wantErr: "not both"},
		{name: "bad json", criteria: `{`, wantErr: "parse --criteria"},
		{name: "empty object", criteria: `{}`, wantErr: "non-empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cancelBody(tt.sn, tt.criteria)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRequestCancelPostsToAPI(t *testing.T) {
	var got api.CancelRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/cancel", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(api.CancelResponse{Cancelled: []string{"sn-1", "sn-2"}})
	}))
	defer srv.Close()

	code, stdout, stderr := runCLI("request", "cancel", "--api", srv.URL+"/", "--token", "secret", "--sn", "sn-1")
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, "sn-1", got.SN)
	assert.Equal(t, "sn-1\nsn-2\n", stdout)
}

func TestRequestCancelNothingCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(api.CancelResponse{Cancelled: []string{}})
	}))
	defer srv.Close()

	code, stdout, _ := runCLI("request", "cancel", "--api", srv.URL, "--criteria", `{"field":{"job":{"eq":"x"}}}`)
	assert.Equal(t, 0, code)
	assert.Equal(t, "No requests cancelled\n", stdout)
}

func TestRequestCancelReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "request not outstanding"})
	}))
	defer srv.Close()

	code, _, stderr := runCLI("request", "cancel", "--api", srv.URL, "--sn", "gone")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "request not outstanding (404)")
}

func TestConfigCheck(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "service:\n  state_dir: " + dir + "\nconsumer:\n  queue: builds\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	code, stdout, stderr := runCLI("config", "check", "--config", path)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Configuration valid: "+path)
	assert.Contains(t, stdout, "queue:  builds")
}

func TestConfigCheckRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ledger:\n  driver: postgres\n"), 0o600))

	code, _, stderr := runCLI("config", "check", "--config", path)
	assert.Equal(t, 1, code)
	assert.True(t, strings.HasPrefix(stderr, "Configuration invalid:"), stderr)
	assert.Contains(t, stderr, "ledger.driver")
}

func TestBuildCatalogServesAdminAndSystem(t *testing.T) {
	cat, kinds, err := buildCatalog("test-agent", nil, nil)
	require.NoError(t, err)
	require.NotNil(t, kinds)

	var names []string
	for _, ns := range cat.Describe() {
		names = append(names, ns.Name)
	}
	assert.Equal(t, []string{"admin", "system"}, names)

	model, err := cat.ModelOf(catalog.Target{Namespace: "system", Method: "Sleep"})
	require.NoError(t, err)
	assert.Equal(t, catalog.ModelIsolated, model)

	model, err = cat.ModelOf(catalog.Target{Namespace: "admin", Method: "Cancel"})
	require.NoError(t, err)
	assert.Equal(t, catalog.ModelDirect, model)
}
