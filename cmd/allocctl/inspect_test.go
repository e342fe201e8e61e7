package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspectCommand(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		wantErr     bool
		wantContain []string
	}{
		{
			name:        "layout only",
			wantContain: []string{"Routing:", "size <= 256 B: small", "size <= 64.0 KiB: medium", "size <= 1.0 MiB: large", "master.medium"},
		},
		{
			name:        "probes",
			args:        []string{"100", "4KiB", "512KiB"},
			wantContain: []string{"100 bytes: master.small", "4,096 bytes: master.medium", "524,288 bytes: master.large"},
		},
		{
			name:        "oversized probe",
			args:        []string{"2MiB"},
			wantContain: []string{"2,097,152 bytes:", "exceeds"},
		},
		{
			name:    "malformed size",
			args:    []string{"12QB"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetFlags()
			configPath = writeTestConfig(t)

			output, err := captureOutput(t, func() error { return runInspect(tt.args) })
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assertContains(t, output, tt.wantContain)
		})
	}
}

func TestInspectCommand_JSON(t *testing.T) {
	resetFlags()
	configPath = writeTestConfig(t)
	jsonOut = true

	output, err := captureOutput(t, func() error { return runInspect([]string{"16", "300"}) })
	require.NoError(t, err)
	assertJSON(t, output)

	var in Inspection
	require.NoError(t, json.Unmarshal([]byte(output), &in))
	assert.Equal(t, 256, in.MaxSmall)
	assert.Equal(t, 64<<10, in.MaxMedium)
	assert.Equal(t, 1<<20, in.MaxLarge)
	require.Len(t, in.Tiers, 3)
	assert.Equal(t, 4<<20, in.Tiers[0].Reserved)
	require.Len(t, in.Probes, 2)
	assert.Equal(t, "master.small", in.Probes[0].Tier)
	assert.Equal(t, "master.medium", in.Probes[1].Tier)
	assert.NotEmpty(t, in.Probes[1].Address)
}

func TestVersionCommand(t *testing.T) {
	resetFlags()
	output, err := captureOutput(t, func() error { return versionCmd.RunE(versionCmd, nil) })
	require.NoError(t, err)
	assertContains(t, output, []string{"allocctl dev", "commit: none"})

	jsonOut = true
	output, err = captureOutput(t, func() error { return versionCmd.RunE(versionCmd, nil) })
	require.NoError(t, err)
	assertJSON(t, output)
}
