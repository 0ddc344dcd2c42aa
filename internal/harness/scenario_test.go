package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScope = `
scope:
  name: sales
  tables:
    - name: customer
      columns:
        - {name: id, type: INTEGER, primary_key: true}
        - {name: name, type: TEXT}
`

// writeScenario writes content to a scenario file in a temp dir.
func writeScenario(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadScenario_ValidFile(t *testing.T) {
	path := writeScenario(t, `
name: test_scenario
description: "Test scenario for validation"
`+minimalScope+`
server:
  conflict_policy: client_wins
clients:
  - name: alice
    error_policy: continue_on_error
steps:
  - peer: alice
    sync: normal
    params: {region: eu}
    expect: {downloaded: 0}
assertions:
  - type: converged
    table: customer
`)

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	assert.Equal(t, "Test scenario for validation", scenario.Description)
	assert.Equal(t, "client_wins", scenario.Server.ConflictPolicy)
	require.Len(t, scenario.Clients, 1)
	assert.Equal(t, "alice", scenario.Clients[0].Name)
	assert.Equal(t, "continue_on_error", scenario.Clients[0].ErrorPolicy)
	require.Len(t, scenario.Steps, 1)
	assert.Equal(t, ActionSync, scenario.Steps[0].Action())
	assert.Equal(t, "eu", scenario.Steps[0].Params["region"])
	require.NotNil(t, scenario.Steps[0].Expect.Downloaded)
	assert.Equal(t, 0, *scenario.Steps[0].Expect.Downloaded)
	assert.Nil(t, scenario.Steps[0].Expect.Uploaded)

	def, err := scenario.ScopeDefinition()
	require.NoError(t, err)
	assert.Equal(t, "sales", def.Name)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_UnknownField(t *testing.T) {
	path := writeScenario(t, `
name: typo
`+minimalScope+`
clients: [{name: alice}]
steps: [{peer: alice, sync: normal}]
assertion:
  - type: converged
`)
	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoadScenario_ScopeDirIsRelative(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "two_clients_converge.yaml"))
	require.NoError(t, err)

	def, err := scenario.ScopeDefinition()
	require.NoError(t, err)
	assert.Equal(t, "sales", def.Name)
	require.Len(t, def.Tables, 2)
	assert.Equal(t, "customer", def.Tables[0].Name, "parents come first")
	assert.Equal(t, "orders", def.Tables[1].Name)
}

func TestLoadScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "missing name",
			body:    minimalScope + "clients: [{name: a}]\nsteps: [{peer: a, sync: normal}]\n",
			wantErr: "name is required",
		},
		{
			name:    "missing scope",
			body:    "name: x\nclients: [{name: a}]\nsteps: [{peer: a, sync: normal}]\n",
			wantErr: "scope or scope_dir is required",
		},
		{
			name:    "no clients",
			body:    "name: x\n" + minimalScope + "steps: [{peer: server, cleanup: true}]\n",
			wantErr: "clients list is required",
		},
		{
			name:    "no steps",
			body:    "name: x\n" + minimalScope + "clients: [{name: a}]\n",
			wantErr: "steps list is required",
		},
		{
			name:    "client named server",
			body:    "name: x\n" + minimalScope + "clients: [{name: server}]\nsteps: [{peer: server, cleanup: true}]\n",
			wantErr: `duplicate peer name "server"`,
		},
		{
			name:    "unknown peer",
			body:    "name: x\n" + minimalScope + "clients: [{name: a}]\nsteps: [{peer: b, sync: normal}]\n",
			wantErr: `steps[0]: unknown peer "b"`,
		},
		{
			name:    "two actions",
			body:    "name: x\n" + minimalScope + "clients: [{name: a}]\nsteps: [{peer: a, sync: normal, exec: 'DELETE FROM customer'}]\n",
			wantErr: "exactly one of exec, sync, cleanup, snapshot",
		},
		{
			name:    "sync on server",
			body:    "name: x\n" + minimalScope + "clients: [{name: a}]\nsteps: [{peer: server, sync: normal}]\n",
			wantErr: "sync runs on a client",
		},
		{
			name:    "bad sync type",
			body:    "name: x\n" + minimalScope + "clients: [{name: a}]\nsteps: [{peer: a, sync: sometimes}]\n",
			wantErr: `invalid sync type "sometimes"`,
		},
		{
			name:    "cleanup on client",
			body:    "name: x\n" + minimalScope + "clients: [{name: a}]\nsteps: [{peer: a, cleanup: true}]\n",
			wantErr: "cleanup runs on the server",
		},
		{
			name:    "rows without query",
			body:    "name: x\n" + minimalScope + "clients: [{name: a}]\nsteps: [{peer: a, sync: normal}]\nassertions: [{type: rows, peer: a}]\n",
			wantErr: "query is required",
		},
		{
			name:    "pending errors on server",
			body:    "name: x\n" + minimalScope + "clients: [{name: a}]\nsteps: [{peer: a, sync: normal}]\nassertions: [{type: pending_errors, peer: server}]\n",
			wantErr: "pending_errors needs a client peer",
		},
		{
			name:    "unknown assertion",
			body:    "name: x\n" + minimalScope + "clients: [{name: a}]\nsteps: [{peer: a, sync: normal}]\nassertions: [{type: eventually}]\n",
			wantErr: `unknown assertion type "eventually"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadScenario(writeScenario(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
