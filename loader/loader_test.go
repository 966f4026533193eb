package loader

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/objectql/objectos-sub008/types"
	"github.com/objectql/objectos-sub008/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const leaveYAML = `
name: leave
processType: approval
states:
  - name: draft
    initial: true
    transitions:
      - name: submit
        target: review
        guards: [has_days]
        actions:
          - name: notify
            params:
              channel: email
              recipients: [manager]
  - name: review
    transitions:
      - name: approve
        target: approved
        guards:
          - name: short_leave
            expression: "days <= 5"
      - name: reject
        target: rejected
  - name: approved
    final: true
  - name: rejected
    final: true
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestParse(t *testing.T) {
	def, err := Parse([]byte(leaveYAML))
	require.NoError(t, err)

	assert.Equal(t, "leave", def.Name)
	assert.Equal(t, "1", def.Version)
	assert.Equal(t, "draft", def.InitialState)
	assert.Equal(t, types.ProcessApproval, def.ProcessType)
	assert.Equal(t, []string{"draft", "review", "approved", "rejected"}, def.StateNames())

	draft, _ := def.State("draft")
	submit, _ := draft.Transition("submit")
	assert.Equal(t, []string{"has_days"}, submit.GuardNames())
	require.Len(t, submit.Actions, 1)
	assert.Equal(t, "email", submit.Actions[0].Params["channel"])

	review, _ := def.State("review")
	approve, _ := review.Transition("approve")
	assert.Equal(t, "days <= 5", approve.Guards[0].Expression)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte("name: [unterminated"))
	assert.ErrorContains(t, err, "failed to decode definition")

	_, err = Parse([]byte("name: x\nstatez: []\n"))
	assert.ErrorContains(t, err, "statez")

	_, err = Parse([]byte(`
name: broken
states:
  - name: a
    transitions:
      - name: go
        target: nowhere
`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, workflow.ErrInvalidDefinition))
	var wfErr *workflow.Error
	require.True(t, errors.As(err, &wfErr))
	assert.Contains(t, wfErr.Violations, "no state is marked initial")
	assert.Contains(t, wfErr.Violations, "at least one state must be final")
	assert.Contains(t, wfErr.Violations, `state "a": transition "go" targets unknown state "nowhere"`)
}

func TestLoadFileNamesFromPath(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "ticket.yaml", `
states:
  - name: open
    initial: true
    transitions:
      - name: close
        target: closed
  - name: closed
    final: true
`)
	def, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ticket", def.Name)

	named := writeFile(t, dir, "other.yml", "name: explicit\n"+leaveYAML[len("\nname: leave\n"):])
	def, err = LoadFile(named)
	require.NoError(t, err)
	assert.Equal(t, "explicit", def.Name)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read")
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b_leave.yaml", leaveYAML)
	writeFile(t, dir, "a_bad.yml", "name: bad\nstates: []\n")
	writeFile(t, dir, "notes.txt", "ignored")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.yaml"), 0o755))

	defs, err := LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a_bad.yml")
	assert.Contains(t, err.Error(), "definition must declare at least one state")
	require.Len(t, defs, 1)
	assert.Equal(t, "leave", defs[0].Name)

	_, err = LoadDir(filepath.Join(dir, "absent"))
	assert.Error(t, err)
}

func TestMarshalRoundTrip(t *testing.T) {
	def, err := Parse([]byte(leaveYAML))
	require.NoError(t, err)

	out, err := Marshal(def)
	require.NoError(t, err)
	again, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, def, again)
}
