package providers

import (
	"github.com/crawfishlabs/agentvault/pkg/domain"
	"github.com/crawfishlabs/agentvault/pkg/interfaces/logger"
)

// BaseProvider carries the name, method, and logger shared by every
// strategy. Embed it and implement the operations on top.
type BaseProvider struct {
	name   string
	method domain.GrantMethod
	logger logger.Logger
}

func NewBaseProvider(name string, method domain.GrantMethod, log logger.Logger) BaseProvider {
	if log == nil {
		log = &logger.Nop{}
	}
	return BaseProvider{name: name, method: method, logger: log}
}

func (b *BaseProvider) Name() string { return b.name }

func (b *BaseProvider) Method() domain.GrantMethod { return b.method }

func (b *BaseProvider) Logger() logger.Logger { return b.logger }

func (b *BaseProvider) LogInfo(msg string, fields ...logger.Field) {
	b.logger.Info(msg, append(fields, logger.F("provider", b.name))...)
}

func (b *BaseProvider) LogWarn(msg string, fields ...logger.Field) {
	b.logger.Warn(msg, append(fields, logger.F("provider", b.name))...)
}
