package handler

type contextKey string

const (
	SessionCtx  contextKey = "session"
	EventCtx    contextKey = "event"
	TransferCtx contextKey = "transfer"
)
