package server

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/gasable/hub/internal/store"
	"github.com/gasable/hub/pkg/models"
)

// defaultAgents is the starter roster created on first boot. Existing
// agents are never overwritten, so operator edits survive restarts.
var defaultAgents = []models.Agent{
	{
		ID:            "support",
		DisplayName:   "Support",
		Namespace:     "global",
		SystemPrompt:  "You are the Gasable support assistant. Answer questions about Gasable services using the knowledge base. Be concise and cite what you found.",
		ToolAllowlist: []string{"rag.search"},
	},
	{
		ID:            "research",
		DisplayName:   "Research",
		Namespace:     "global",
		SystemPrompt:  "You are the Gasable research assistant. Investigate questions thoroughly using the knowledge base and the web, and summarize findings with sources.",
		ToolAllowlist: []string{"rag.search", "web.fetch"},
	},
	{
		ID:            "marketing",
		DisplayName:   "Marketing",
		Namespace:     "global",
		SystemPrompt:  "You are the Gasable marketing assistant. Draft emails and campaign copy grounded in the knowledge base. Keep the brand voice professional.",
		ToolAllowlist: []string{"rag.search", "gmail.send"},
	},
	{
		ID:            "procurement",
		DisplayName:   "Procurement",
		Namespace:     "global",
		SystemPrompt:  "You are the Gasable procurement assistant. Help customers place fuel and equipment orders, checking the knowledge base for product details first.",
		ToolAllowlist: []string{"rag.search", "orders.place"},
	},
}

func seedDefaultAgents(ctx context.Context, st store.Store) error {
	for i := range defaultAgents {
		agent := defaultAgents[i]
		_, err := st.GetAgent(ctx, agent.ID)
		if err == nil {
			continue
		}
		var nf *store.ErrNotFound
		if !errors.As(err, &nf) {
			return err
		}
		if err := st.UpsertAgent(ctx, &agent); err != nil {
			return err
		}
		log.Info().Str("agent", agent.ID).Msg("👥 seeded default agent")
	}
	return nil
}
