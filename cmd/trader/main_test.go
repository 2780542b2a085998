package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommandReadsStdin(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader("EURUSD CALL $10 5M\n\nhello there\n"))
	cmd.SetArgs([]string{"parse", "--config", "does-not-exist.yaml"})

	require.NoError(t, cmd.Execute())

	dec := json.NewDecoder(&out)
	var first, second parseOutput
	require.NoError(t, dec.Decode(&first))
	require.NoError(t, dec.Decode(&second))

	assert.True(t, first.Parsed)
	assert.True(t, first.Valid)
	assert.Equal(t, "standard", first.Strategy)
	assert.False(t, second.Parsed)
	assert.Equal(t, "IGNORED", second.Code)
}

func TestParseCommandReportsValidationCode(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"parse", "--config", "does-not-exist.yaml", "EURUSD CALL 5M confidence: 20"})

	require.NoError(t, cmd.Execute())

	var result parseOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.True(t, result.Parsed)
	assert.False(t, result.Valid)
	assert.Equal(t, "LOW_CONFIDENCE", result.Code)
}
