package apikey

import (
	"github.com/smallbiznis/auditrail/internal/apikey/repository"
	"github.com/smallbiznis/auditrail/internal/apikey/service"
	"go.uber.org/fx"
)

// Module provides apikeydomain.Service, the credential store behind
// API-key authentication.
var Module = fx.Module("apikey",
	fx.Provide(
		repository.Provide,
		service.New,
	),
)
