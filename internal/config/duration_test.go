package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDuration_UnmarshalYAML(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		want    time.Duration
		wantErr bool
	}{
		{name: "seconds", yaml: `timeout: 30s`, want: 30 * time.Second},
		{name: "composite", yaml: `timeout: 1h30m`, want: 90 * time.Minute},
		{name: "milliseconds", yaml: `timeout: 250ms`, want: 250 * time.Millisecond},
		{name: "empty string means unset", yaml: `timeout: ""`, want: 0},
		{name: "number without unit rejected", yaml: `timeout: 30`, wantErr: true},
		{name: "garbage rejected", yaml: `timeout: soon`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var out struct {
				Timeout Duration `yaml:"timeout"`
			}
			err := yaml.Unmarshal([]byte(tt.yaml), &out)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "invalid duration")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Timeout.Duration())
		})
	}
}

func TestDuration_MarshalYAML(t *testing.T) {
	t.Parallel()

	out := struct {
		Timeout Duration `yaml:"timeout"`
	}{Timeout: Duration(45 * time.Second)}

	data, err := yaml.Marshal(out)
	require.NoError(t, err)
	assert.Equal(t, "timeout: 45s\n", string(data))
}

func TestDuration_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Duration(5 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, `"5m0s"`, string(data))

	var d Duration
	require.NoError(t, json.Unmarshal(data, &d))
	assert.Equal(t, 5*time.Minute, d.Duration())
}

func TestDuration_UnmarshalJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{name: "quoted duration", input: `"90s"`, want: 90 * time.Second},
		{name: "null means unset", input: `null`, want: 0},
		{name: "empty string means unset", input: `""`, want: 0},
		{name: "garbage rejected", input: `"later"`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var d Duration
			err := json.Unmarshal([]byte(tt.input), &d)

			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Duration())
		})
	}
}

func TestDuration_Or(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 5*time.Second, Duration(0).Or(5*time.Second))
	assert.Equal(t, 2*time.Second, Duration(2*time.Second).Or(5*time.Second))
}
