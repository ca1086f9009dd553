package board

import "context"

type actorKey struct{}

// WithActor marks ctx as acting on behalf of userID. Calls without an actor
// are internal and skip the membership check.
func WithActor(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, actorKey{}, userID)
}

// ActorFrom returns the user set by WithActor.
func ActorFrom(ctx context.Context) string {
	id, _ := ctx.Value(actorKey{}).(string)
	return id
}
