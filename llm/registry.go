// Copyright 2026 MarketMate
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Route is one upstream serving target for a model class.
type Route struct {
	ID       string `yaml:"id"`
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Weight   int    `yaml:"weight"`
	Failover bool   `yaml:"failover"`
}

// RouteInfo identifies which route served a request.
type RouteInfo struct {
	ProviderID string `json:"providerId"`
	RouteID    string `json:"routeId"`
	ModelClass string `json:"modelClass"`
}

// Registry resolves a model class to its ordered route list: primary first
// (highest weight), then alternates. Immutable after construction.
type Registry struct {
	classes map[string][]Route
}

type routeTableFile struct {
	ModelClasses map[string]struct {
		Routes []Route `yaml:"routes"`
	} `yaml:"model_classes"`
}

// ErrUnknownModelClass is returned when no routes exist for a class.
var ErrUnknownModelClass = fmt.Errorf("llm: unknown model class")

// LoadRegistry reads the YAML route table at path. A missing file yields the
// built-in defaults so the gateway starts without local configuration.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultRegistry(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("llm: read route table: %w", err)
	}
	return ParseRegistry(data)
}

// ParseRegistry builds a Registry from YAML route table bytes.
func ParseRegistry(data []byte) (*Registry, error) {
	var file routeTableFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("llm: parse route table: %w", err)
	}

	classes := make(map[string][]Route, len(file.ModelClasses))
	for class, entry := range file.ModelClasses {
		routes := make([]Route, len(entry.Routes))
		copy(routes, entry.Routes)
		for i, route := range routes {
			if route.ID == "" || route.Provider == "" || route.Model == "" {
				return nil, fmt.Errorf("llm: route %d of class %q missing id, provider or model", i, class)
			}
		}
		sort.SliceStable(routes, func(i, j int) bool {
			return routes[i].Weight > routes[j].Weight
		})
		classes[class] = routes
	}
	return &Registry{classes: classes}, nil
}

// DefaultRegistry returns the built-in route table: Anthropic primary,
// OpenAI alternate, Bedrock as the non-streaming route of last resort.
func DefaultRegistry() *Registry {
	return &Registry{classes: map[string][]Route{
		"chat": {
			{ID: "anthropic-primary", Provider: "anthropic", Model: "claude-sonnet-4-20250514", Weight: 100, Failover: true},
			{ID: "openai-fallback", Provider: "openai", Model: "gpt-4o", Weight: 50, Failover: true},
			{ID: "bedrock-last-resort", Provider: "bedrock", Model: "anthropic.claude-3-5-sonnet-20241022-v2:0", Weight: 10, Failover: false},
		},
	}}
}

// RoutesFor returns the ordered routes for modelClass.
func (r *Registry) RoutesFor(modelClass string) ([]Route, error) {
	routes, ok := r.classes[modelClass]
	if !ok || len(routes) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModelClass, modelClass)
	}
	out := make([]Route, len(routes))
	copy(out, routes)
	return out, nil
}

// ModelClasses lists the configured class names.
func (r *Registry) ModelClasses() []string {
	names := make([]string, 0, len(r.classes))
	for name := range r.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
