package srv

import (
	"github.com/quka-ai/conhub/pkg/connector"
	"github.com/quka-ai/conhub/pkg/embedding"
)

// Srv holds the clients of external services: upstream connectors and
// embedding model providers.
type Srv struct {
	connectors *connector.Registry
	embedding  *embedding.Service
}

type ApplyFunc func(s *Srv)

func SetupSrvs(opts ...ApplyFunc) *Srv {
	a := &Srv{}

	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (s *Srv) Connectors() *connector.Registry {
	return s.connectors
}

func (s *Srv) Embedding() *embedding.Service {
	return s.embedding
}
