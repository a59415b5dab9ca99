// Package router resolves origin-protocol model aliases to concrete backend
// targets. Resolution is a pure function over the routing preferences, which
// are loaded once at startup and never mutated afterwards.
package router

import (
	"fmt"
	"strings"
)

// Families the proxy can dispatch to. The family name doubles as the routing
// prefix namespace, so a single invoker can route "openai/gpt-4.1" and
// "gemini/gemini-2.0-flash" without re-inspecting configuration.
const (
	FamilyOpenAI    = "openai"
	FamilyGemini    = "gemini"
	FamilyAnthropic = "anthropic"
)

var knownFamilies = map[string]bool{
	FamilyOpenAI:    true,
	FamilyGemini:    true,
	FamilyAnthropic: true,
}

// BackendTarget is a resolved routing decision: which backend family handles
// the call and which concrete model it runs.
type BackendTarget struct {
	Family  string
	ModelID string
}

// Prefix returns the family's routing namespace token, e.g. "openai/".
func (t BackendTarget) Prefix() string {
	return t.Family + "/"
}

// String renders the namespaced identifier handed to the backend invoker.
func (t BackendTarget) String() string {
	return t.Prefix() + t.ModelID
}

// UnknownAliasError reports an alias with no configured mapping and no
// default to fall back on.
type UnknownAliasError struct {
	Alias string
}

func (e *UnknownAliasError) Error() string {
	return fmt.Sprintf("no backend mapping for model alias %q", e.Alias)
}

// Preferences are the read-only routing configuration. BigModel serves the
// large capability tier (sonnet/opus aliases), SmallModel the small tier
// (haiku aliases). Aliases holds explicit alias -> "family/model" overrides
// that win over tier matching.
type Preferences struct {
	PreferredFamily string
	BigModel        string
	SmallModel      string
	Default         string
	LongContext     string
	Aliases         map[string]string
}

type Router struct {
	prefs Preferences
}

func New(prefs Preferences) *Router {
	if prefs.PreferredFamily == "" {
		prefs.PreferredFamily = FamilyOpenAI
	}

	return &Router{prefs: prefs}
}

// Resolve maps an origin-protocol model alias to a backend target.
// Precedence: explicit alias mapping, capability tier, configured default.
func (r *Router) Resolve(alias string) (BackendTarget, error) {
	if mapped, ok := r.prefs.Aliases[alias]; ok {
		return r.parseTarget(mapped), nil
	}

	lower := strings.ToLower(alias)

	switch {
	case strings.Contains(lower, "haiku"):
		if r.prefs.SmallModel != "" {
			return r.parseTarget(r.prefs.SmallModel), nil
		}
	case strings.Contains(lower, "sonnet"), strings.Contains(lower, "opus"):
		if r.prefs.BigModel != "" {
			return r.parseTarget(r.prefs.BigModel), nil
		}
	}

	if r.prefs.Default != "" {
		return r.parseTarget(r.prefs.Default), nil
	}

	return BackendTarget{}, &UnknownAliasError{Alias: alias}
}

// ResolveLongContext returns the long-context escalation target, if one is
// configured. The caller decides when the input is large enough to escalate.
func (r *Router) ResolveLongContext() (BackendTarget, bool) {
	if r.prefs.LongContext == "" {
		return BackendTarget{}, false
	}

	return r.parseTarget(r.prefs.LongContext), true
}

// parseTarget splits "family/model" into a target. A value with no family
// segment, or a leading segment that is not a known family, belongs to the
// preferred family as-is (OpenRouter-style model IDs contain slashes).
func (r *Router) parseTarget(spec string) BackendTarget {
	if family, model, ok := strings.Cut(spec, "/"); ok && knownFamilies[family] && model != "" {
		return BackendTarget{Family: family, ModelID: model}
	}

	return BackendTarget{Family: r.prefs.PreferredFamily, ModelID: spec}
}
