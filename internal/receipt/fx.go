package receipt

import (
	"github.com/smallbiznis/medibill/internal/providers/pdf"
	"go.uber.org/fx"
)

var Module = fx.Module("receipt.service",
	pdf.Module,
	fx.Provide(NewService),
)
