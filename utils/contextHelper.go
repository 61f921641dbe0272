package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/renovation_backend/appctx"
)

var (
	ContextKeyToken         = appctx.ContextKeyToken
	ContextKeyUsername      = appctx.ContextKeyUsername
	ContextKeyUserId        = appctx.ContextKeyUserId
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
	ContextKeyAuthorized    = appctx.ContextKeyAuthorized
	ContextKeySyncRunId     = appctx.ContextKeySyncRunId
)

func GetUsernameFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyUsername)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetTokenInContext(ctx context.Context, token string) context.Context {
	return appctx.Set(ctx, ContextKeyToken, token)
}

func SetUsernameInContext(ctx context.Context, username string) context.Context {
	return appctx.Set(ctx, ContextKeyUsername, username)
}

func SetUserIdInContext(ctx context.Context, userId int) context.Context {
	return appctx.Set(ctx, ContextKeyUserId, userId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

// IsAuthorized reports whether an auth middleware accepted the caller.
func IsAuthorized(ctx context.Context) bool {
	v, ok := appctx.GetBool(ctx, ContextKeyAuthorized)
	return ok && v
}

func SetAuthorizedInContext(ctx context.Context, authorized bool) context.Context {
	return appctx.Set(ctx, ContextKeyAuthorized, authorized)
}

func GetSyncRunIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeySyncRunId)
}

func SetSyncRunIdInContext(ctx context.Context, runId string) context.Context {
	return appctx.Set(ctx, ContextKeySyncRunId, runId)
}
