package stages

import (
	"context"
	"strings"

	"github.com/feathermail/feathermail"
)

// ByDomain groups the current recipients by domain and dispatches the data
// hook for each group to the delivery adapter configured for that domain
// (falling back to Default), so different domains can be routed to
// different delivery backends within a single transaction.
type ByDomain struct {
	Routes  map[string]feathermail.DataHook
	Default feathermail.DataHook
}

func (b *ByDomain) Kind() string { return "by_domain" }

func (b *ByDomain) route(domain string) feathermail.DataHook {
	if hook, ok := b.Routes[domain]; ok {
		return hook
	}
	return b.Default
}

func (b *ByDomain) Data(ctx context.Context, session feathermail.SessionInfo, meta feathermail.Meta, state any, data []byte) feathermail.PhaseResult {
	groups := make(map[string][]string)
	var order []string
	for _, to := range meta.To() {
		domain := strings.ToLower(domainOf(to))
		if _, seen := groups[domain]; !seen {
			order = append(order, domain)
		}
		groups[domain] = append(groups[domain], to)
	}

	current := meta.Clone()
	for _, domain := range order {
		hook := b.route(domain)
		if hook == nil {
			continue
		}

		subsetMeta := current.WithTo(groups[domain])
		result := hook.Data(ctx, session, subsetMeta, state, data)
		if result.Halted() {
			return feathermail.Halt(result.Reason(), result.Meta(), result.State())
		}
		current = result.Meta().WithTo(meta.To())
		state = result.State()
	}

	return feathermail.Continue(current, state)
}
