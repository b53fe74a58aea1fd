package api

import (
	"log/slog"

	"github.com/lamim/copyforge/internal/config"
	"github.com/lamim/copyforge/internal/provider"
)

// NewClients builds one client per provider, preserving priority order.
// Providers of kind "openai" use go-openai; everything else goes through the
// compatible HTTP client.
func NewClients(providers []config.ProviderConfig, secrets *config.Secrets, limiters *RateLimiterPool, logger *slog.Logger, recorder WaitRecorder) []provider.Client {
	clients := make([]provider.Client, 0, len(providers))
	for _, p := range providers {
		key := secrets.GetAPIKey(p)
		plog := logger.With("provider", p.Name)
		switch p.Kind {
		case "openai":
			clients = append(clients, NewOpenAIClient(p, key, limiters, plog, recorder))
		default:
			clients = append(clients, NewClient(p, key, limiters, plog, recorder))
		}
		plog.Debug("Provider client ready", "kind", p.Kind, "model", p.ModelName, "has_key", key != "")
	}
	return clients
}
