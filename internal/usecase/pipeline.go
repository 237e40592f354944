package usecase

import (
	"log/slog"
	"sync"

	"medvault/internal/adapter/anonymizer"
	"medvault/internal/adapter/audit"
	"medvault/internal/adapter/index"
	"medvault/internal/domain"
	"medvault/internal/port"
)

// Pipeline wires the anonymizer, embedder, index client and audit
// logger together and owns the currently active index handle. All
// request handling goes through an explicitly constructed Pipeline
// rather than package-level state.
type Pipeline struct {
	anonymizer *anonymizer.Anonymizer
	embedder   port.Embedder
	client     *index.Client
	audit      *audit.Logger
	log        *slog.Logger

	mu  sync.RWMutex
	idx *index.Index
}

func New(anon *anonymizer.Anonymizer, embedder port.Embedder, client *index.Client, auditLog *audit.Logger, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		anonymizer: anon,
		embedder:   embedder,
		client:     client,
		audit:      auditLog,
		log:        log.With("component", "pipeline"),
	}
}

// UseIndex makes idx the target for queries and subsequent ingestion.
func (p *Pipeline) UseIndex(idx *index.Index) {
	p.mu.Lock()
	p.idx = idx
	p.mu.Unlock()
}

// Index returns the active index handle, nil before the first
// UseIndex or Ingest.
func (p *Pipeline) Index() *index.Index {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.idx
}

func (p *Pipeline) Client() *index.Client   { return p.client }
func (p *Pipeline) Audit() *audit.Logger    { return p.audit }
func (p *Pipeline) Embedder() port.Embedder { return p.embedder }

// AnonymizerStats exposes the normalizer counters.
func (p *Pipeline) AnonymizerStats() domain.AnonymizerStats {
	return p.anonymizer.Stats()
}

// ComponentHealth is the introspection view of one pipeline component.
type ComponentHealth struct {
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// Health describes readiness of every pipeline component plus the
// active index, for operational introspection.
type Health struct {
	Status     string                     `json:"status"`
	SessionID  string                     `json:"session_id,omitempty"`
	Components map[string]ComponentHealth `json:"components"`
	Index      *IndexHealth               `json:"index,omitempty"`
}

type IndexHealth struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	Dimension int    `json:"dimension"`
	ItemCount int    `json:"item_count"`
}

// Health reports component readiness. Status is "ok" only when every
// component is constructed and the active index, if any, is searchable.
func (p *Pipeline) Health() Health {
	h := Health{Status: "ok", Components: make(map[string]ComponentHealth)}

	h.Components["anonymizer"] = ComponentHealth{Ready: p.anonymizer != nil}
	h.Components["index_client"] = ComponentHealth{Ready: p.client != nil}

	if p.embedder != nil {
		h.Components["embedder"] = ComponentHealth{Ready: true, Detail: p.embedder.ModelName()}
	} else {
		h.Components["embedder"] = ComponentHealth{Ready: false}
	}
	if p.audit != nil {
		h.Components["audit"] = ComponentHealth{Ready: true}
		h.SessionID = p.audit.SessionID()
	} else {
		h.Components["audit"] = ComponentHealth{Ready: false}
	}

	for _, c := range h.Components {
		if !c.Ready {
			h.Status = "degraded"
		}
	}

	if idx := p.Index(); idx != nil {
		state := idx.State()
		h.Index = &IndexHealth{
			Name:      idx.Name(),
			State:     state.String(),
			Dimension: idx.Dimension(),
			ItemCount: idx.ItemCount(),
		}
		if state != domain.StateCreated && state != domain.StateTrained {
			h.Status = "degraded"
		}
	}
	return h
}
