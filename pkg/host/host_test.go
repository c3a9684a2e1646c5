package host

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQualify(t *testing.T) {
	assert.Equal(t, "weather_server-get_forecast", qualify("weather_server", "get_forecast"))
}

func TestHost_CallTool_NotRoutable(t *testing.T) {
	h := New(nil)
	result := h.CallTool(t.Context(), "missing-tool", nil)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "missing-tool")
}

func TestHost_Tools_ExcludesListedNames(t *testing.T) {
	h := New(nil)
	h.tools["weather_server-get_forecast"] = DiscoveredTool{QualifiedName: "weather_server-get_forecast", ServerID: "weather_server"}
	h.tools["weather_server-get_alerts"] = DiscoveredTool{QualifiedName: "weather_server-get_alerts", ServerID: "weather_server"}

	tools := h.Tools([]string{"weather_server-get_alerts"})
	assert.Len(t, tools, 1)
	assert.Equal(t, "weather_server-get_forecast", tools[0].QualifiedName)
}

func TestHost_Unregister_IsIdempotent(t *testing.T) {
	h := New(nil)
	assert.NoError(t, h.Unregister("never-registered"))
	assert.NoError(t, h.Unregister("never-registered"))
}
