package logging

import (
	"context"
)

// contextKey is unexported so only this package can plant log attributes.
type contextKey int

const (
	componentKey contextKey = iota
	sessionIDKey
	teamKey
	journalPathKey
	agentKey
)

// The With* helpers tag a context so every record logged under it carries
// the value: WithComponent names the subsystem ("supervisor", "sender",
// "poller"), WithSession the agent session, WithTeam the instance URL,
// WithJournal the watched file, WithAgent the adapter.

func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

func WithTeam(ctx context.Context, team string) context.Context {
	return context.WithValue(ctx, teamKey, team)
}

func WithJournal(ctx context.Context, path string) context.Context {
	return context.WithValue(ctx, journalPathKey, path)
}

func WithAgent(ctx context.Context, agent string) context.Context {
	return context.WithValue(ctx, agentKey, agent)
}
