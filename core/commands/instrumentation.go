package commands

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

const scopeName = "github.com/koscakluka/ema-vpet/core/commands"

var logger = otelslog.NewLogger(scopeName)
