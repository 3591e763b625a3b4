package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dugrema/millegrilles-landing/internal/store"
)

type execResult struct {
	Stdout string
	Stderr string
	Err    error
}

// execute runs the root command with args, feeding stdin.
func execute(t *testing.T, stdin io.Reader, args ...string) execResult {
	t.Helper()
	return executeContext(t, context.Background(), stdin, args...)
}

// executeContext is execute under ctx.
func executeContext(t *testing.T, ctx context.Context, stdin io.Reader, args ...string) execResult {
	t.Helper()
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}

	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	if stdin != nil {
		cmd.SetIn(stdin)
	}
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(ctx)
	return execResult{Stdout: out.String(), Stderr: errOut.String(), Err: err}
}

// decodeData unmarshals the data of a JSON CLI response into v.
func decodeData(t *testing.T, stdout string, v any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	require.Equal(t, "ok", resp.Status)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func openTestStore(t *testing.T, path string) *store.Store {
	t.Helper()
	st, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

const createEnvelope = `{
  "category": "commande",
  "domain": "Landing",
  "action": "creerNouvelleApplication",
  "correlation_id": "c-1",
  "payload": {"application_id": "app-1"},
  "trust": {"subject_id": "u1", "roles": ["compte_prive"], "exchange_levels": ["2.prive"]}
}`

const listEnvelope = `{
  "category": "requete",
  "domain": "Landing",
  "action": "getListeApplications",
  "correlation_id": "c-2",
  "trust": {"subject_id": "u1", "exchange_levels": ["2.prive"]}
}`
