package agents

import (
	"log/slog"

	"github.com/mizanlabs/mizan/pkg/ingest"
	"github.com/mizanlabs/mizan/pkg/llm"
	"github.com/mizanlabs/mizan/pkg/nlq"
)

// Registry holds the constructed agents keyed by name.
type Registry struct {
	byName map[string]Agent
	txn    []Agent
	fin    []Agent
}

// NewRegistry builds every agent against the shared gateway and primary
// model.
func NewRegistry(gateway llm.Gateway, model string, logger *slog.Logger) *Registry {
	r := &Registry{byName: make(map[string]Agent)}

	for _, s := range transactionSpecs {
		a := newBaseAgent(s, gateway, model, logger)
		r.byName[a.Name()] = a
		r.txn = append(r.txn, a)
	}
	for _, s := range financialSpecs {
		a := newBaseAgent(s, gateway, model, logger)
		r.byName[a.Name()] = a
		r.fin = append(r.fin, a)
	}
	r.byName[nlq.GeneralAgent] = newBaseAgent(generalSpec, gateway, model, logger)

	return r
}

// ForDocType returns the specialist set for a document type. The general
// agent is chat-only and not part of any insights set.
func (r *Registry) ForDocType(docType ingest.DocType) []Agent {
	if docType == ingest.DocFinancial {
		return r.fin
	}
	return r.txn
}

// Names returns the routable specialist names for a document type.
func (r *Registry) Names(docType ingest.DocType) []string {
	agents := r.ForDocType(docType)
	names := make([]string, len(agents))
	for i, a := range agents {
		names[i] = a.Name()
	}
	return names
}

// ByName returns the named agent, falling back to the general agent.
func (r *Registry) ByName(name string) Agent {
	if a, ok := r.byName[name]; ok {
		return a
	}
	return r.byName[nlq.GeneralAgent]
}
