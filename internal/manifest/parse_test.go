package manifest

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jumith/internal/fsutil"
)

const validManifest = `{
	"id": "acme.weather",
	"name": "weather",
	"version": "1.2.0",
	"summary": "Current weather",
	"description": "Looks up the current weather for a city.",
	"tags": ["weather", "http"],
	"entry": {"runtime": "go-plugin", "main": "weather.so", "exportName": "Weather"},
	"schema": {"input": {"type": "object", "properties": {"city": {"type": "string"}}, "required": ["city"]}},
	"requiresApproval": false,
	"requiredSecrets": ["api_key"]
}`

func TestParseManifest_Valid(t *testing.T) {
	m, err := ParseManifest([]byte(validManifest))
	require.NoError(t, err)
	assert.Equal(t, "acme.weather", m.ID)
	assert.Equal(t, "Weather", m.Entry.Symbol())
	assert.Equal(t, []string{"api_key"}, m.RequiredSecrets)

	req, declared := m.ApprovalRequired()
	assert.False(t, req)
	assert.True(t, declared)

	schema, err := m.InputSchema()
	require.NoError(t, err)
	require.NotNil(t, schema)
	assert.NoError(t, schema.Validate(map[string]any{"city": "Hanoi"}))
	assert.Error(t, schema.Validate(map[string]any{}))
}

func TestParseManifest_LegacyExportKey(t *testing.T) {
	data := strings.Replace(validManifest, `"exportName"`, `"export"`, 1)
	m, err := ParseManifest([]byte(data))
	require.NoError(t, err)
	assert.Equal(t, "Weather", m.Entry.Symbol())
}

func TestParseManifest_Rejects(t *testing.T) {
	cases := map[string]string{
		"not an object":      `[]`,
		"blank id":           strings.Replace(validManifest, `"acme.weather"`, `"  "`, 1),
		"missing summary":    strings.Replace(validManifest, `"summary": "Current weather",`, ``, 1),
		"tags not array":     strings.Replace(validManifest, `["weather", "http"]`, `"weather"`, 1),
		"approval not bool":  strings.Replace(validManifest, `"requiresApproval": false`, `"requiresApproval": "no"`, 1),
		"wrong runtime":      strings.Replace(validManifest, `"go-plugin"`, `"node"`, 1),
		"traversing main":    strings.Replace(validManifest, `"weather.so"`, `"../weather.so"`, 1),
		"unsafe version":     strings.Replace(validManifest, `"1.2.0"`, `"../1"`, 1),
		"blank secret":       strings.Replace(validManifest, `["api_key"]`, `["api_key", ""]`, 1),
		"bad input schema":   strings.Replace(validManifest, `"required": ["city"]`, `"required": "city"`, 1),
		"secrets not array":  strings.Replace(validManifest, `["api_key"]`, `{"a": 1}`, 1),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseManifest([]byte(data))
			var ve *ValidationError
			require.Error(t, err)
			assert.True(t, errors.As(err, &ve), "want ValidationError, got %T: %v", err, err)
		})
	}
}

func TestParseSearchResult(t *testing.T) {
	res, err := ParseSearchResult([]byte(`{"results":[{"id":"a","name":"a","version":"1.0.0","summary":"s"}],"total":1}`))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "a", res.Results[0].ID)

	bad := []string{
		`{"results":{},"total":1}`,
		`{"results":[],"total":"1"}`,
		`{"results":[]}`,
		`{"results":[],"total":1.5}`,
		`{"results":[],"total":-1}`,
		`{"results":[{"id":"a","name":"a","version":"1","summary":""}],"total":1}`,
		`{"results":[{"id":"a","name":"a","version":"1","summary":"s","entry":{"runtime":"python","main":"x"}}],"total":1}`,
	}
	for _, b := range bad {
		_, err := ParseSearchResult([]byte(b))
		assert.Error(t, err, b)
	}
}

func bundleJSON(files string) string {
	return `{"manifest":` + validManifest + `,"files":` + files + `}`
}

func TestParseBundle_Valid(t *testing.T) {
	bin := base64.StdEncoding.EncodeToString([]byte{0x7f, 'E', 'L', 'F'})
	b, err := ParseBundle([]byte(bundleJSON(`[
		{"path":"weather.so","content":"` + bin + `","encoding":"base64"},
		{"path":"README.md","content":"hello"},
		{"path":"empty.txt","content":""}
	]`)))
	require.NoError(t, err)
	require.Len(t, b.Files, 3)
	assert.Equal(t, EncodingUTF8, b.Files[1].Encoding)

	data, err := b.Files[0].Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x7f, 'E', 'L', 'F'}, data)
}

func TestParseBundle_Rejects(t *testing.T) {
	cases := map[string]string{
		"files not array":   bundleJSON(`{}`),
		"missing content":   bundleJSON(`[{"path":"weather.so"}]`),
		"bad encoding":      bundleJSON(`[{"path":"weather.so","content":"x","encoding":"gzip"}]`),
		"bad base64":        bundleJSON(`[{"path":"weather.so","content":"!!!","encoding":"base64"}]`),
		"reserved manifest": bundleJSON(`[{"path":"weather.so","content":"x"},{"path":"tool.json","content":"{}"}]`),
		"duplicate path":    bundleJSON(`[{"path":"weather.so","content":"x"},{"path":"./weather.so","content":"y"}]`),
		"main missing":      bundleJSON(`[{"path":"other.so","content":"x"}]`),
		"missing manifest":  `{"files":[]}`,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseBundle([]byte(data))
			var ve *ValidationError
			require.Error(t, err)
			assert.True(t, errors.As(err, &ve), "got %T: %v", err, err)
		})
	}
}

func TestParseBundle_TraversalIsPathSafetyError(t *testing.T) {
	for _, p := range []string{"../evil.so", "/etc/passwd", "a/../../x"} {
		_, err := ParseBundle([]byte(bundleJSON(`[{"path":"weather.so","content":"x"},{"path":"` + p + `","content":"x"}]`)))
		var pe *fsutil.PathSafetyError
		require.Error(t, err)
		assert.True(t, errors.As(err, &pe), "path %q: got %v", p, err)
	}
}

func TestParseActiveRecord(t *testing.T) {
	r, err := ParseActiveRecord([]byte(`{"id":"a/b","version":"2.0.0"}`))
	require.NoError(t, err)
	assert.Equal(t, "a/b", r.ID)

	_, err = ParseActiveRecord([]byte(`{"id":"a","version":".."}`))
	assert.Error(t, err)
	_, err = ParseActiveRecord([]byte(`not json`))
	assert.Error(t, err)
}
