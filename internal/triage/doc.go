// Package triage provides the first-pass URL risk assessment for certguard.
// It defines the Analyzer capability, the LLM-backed Engine (provider + tool loop),
// a rule-based Heuristic analyzer, and the triage domain model.
package triage
