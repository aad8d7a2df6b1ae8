// Copyright 2026 MarketMate
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const routeTableYAML = `
model_classes:
  chat:
    routes:
      - id: openai-fallback
        provider: openai
        model: gpt-4o
        weight: 50
        failover: true
      - id: anthropic-primary
        provider: anthropic
        model: claude-sonnet-4-20250514
        weight: 100
        failover: true
  cheap:
    routes:
      - id: haiku
        provider: anthropic
        model: claude-3-5-haiku-20241022
        weight: 100
        failover: false
`

func TestParseRegistry_OrdersByWeight(t *testing.T) {
	reg, err := ParseRegistry([]byte(routeTableYAML))
	require.NoError(t, err)

	routes, err := reg.RoutesFor("chat")
	require.NoError(t, err)
	require.Len(t, routes, 2)
	assert.Equal(t, "anthropic-primary", routes[0].ID)
	assert.Equal(t, "openai-fallback", routes[1].ID)

	assert.Equal(t, []string{"chat", "cheap"}, reg.ModelClasses())
}

func TestParseRegistry_RejectsIncompleteRoute(t *testing.T) {
	_, err := ParseRegistry([]byte(`
model_classes:
  chat:
    routes:
      - id: broken
        weight: 1
`))
	require.Error(t, err)
}

func TestRoutesFor_UnknownClass(t *testing.T) {
	reg, err := ParseRegistry([]byte(routeTableYAML))
	require.NoError(t, err)

	_, err = reg.RoutesFor("nonexistent")
	require.ErrorIs(t, err, ErrUnknownModelClass)
}

func TestLoadRegistry_MissingFileUsesDefaults(t *testing.T) {
	reg, err := LoadRegistry("/nonexistent/routes.yaml")
	require.NoError(t, err)

	routes, err := reg.RoutesFor("chat")
	require.NoError(t, err)
	require.NotEmpty(t, routes)
	assert.Equal(t, "anthropic", routes[0].Provider)
}
