package logger

import "log/slog"

type Backend string

const (
	BackendStd Backend = "std" // text handler, для dev
	BackendZap Backend = "zap" // slog-zap JSON, для stage/prod
)

type Config struct {
	// Метаданные для логгера
	Service    string
	Version    string
	InstanceID string

	// Управление выводом
	Level   slog.Level
	Env     Env
	Backend Backend
	Debug   bool

	// Zap sampling
	SampleInitial    int
	SampleThereafter int

	AddSource bool
}
