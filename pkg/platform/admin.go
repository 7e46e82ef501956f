package platform

import (
	"fmt"
	"net/http"

	"github.com/txn2/ipc-gateway/pkg/admin"
)

// AdminHandler returns the operator HTTP surface: the authenticated admin
// API plus unauthenticated /healthz and /readyz.
func (p *Platform) AdminHandler() (http.Handler, error) {
	keys := make([]admin.APIKey, 0, len(p.config.Admin.APIKeys))
	for _, k := range p.config.Admin.APIKeys {
		keys = append(keys, admin.APIKey{Name: k.Name, Hash: []byte(k.KeyHash)})
	}
	auth, err := admin.NewAPIKeyAuthenticator(keys)
	if err != nil {
		return nil, fmt.Errorf("configuring admin authentication: %w", err)
	}

	api := admin.NewHandler(admin.Deps{
		Gateway:      p.gateway,
		AuditQuerier: p.AuditQuerier(),
	}, admin.RequireAdmin(auth))

	mux := http.NewServeMux()
	mux.Handle("/api/v1/admin/", api)
	mux.Handle("GET /healthz", p.health.LivenessHandler())
	mux.Handle("GET /readyz", p.health.ReadinessHandler())
	return mux, nil
}
